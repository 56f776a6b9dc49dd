package auth

// ScopeCalendarSync grants access to the calendar sync endpoints.
const ScopeCalendarSync = "calendar:sync"
