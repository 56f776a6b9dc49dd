// Package gcal writes mirrored events to the Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"example.com/calendarsync/internal/domain"
)

// Extended-property keys carrying the provenance tag.
const (
	PropertyKind     = "calendarsyncKind"
	PropertyLocalKey = "calendarsyncLocalKey"
)

// DefaultCalendarID targets the authorised user's primary calendar.
const DefaultCalendarID = "primary"

// APIError is a single failed remote call.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("calendar api status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API base URL, e.g. for a local fake.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient sets the client whose transport carries the bearer token.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCalendarID targets a calendar other than "primary".
func WithCalendarID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.calendarID = id
		}
	}
}

// Client upserts events with a caller-supplied access token. It holds no token
// itself; each call authorises with the token of the current sync cycle.
type Client struct {
	endpoint   string
	calendarID string
	httpClient *http.Client
}

// NewClient constructs a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		calendarID: DefaultCalendarID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateEvent inserts the event and returns its remote id.
func (c *Client) CreateEvent(ctx context.Context, accessToken string, event domain.CalendarEvent) (string, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(c.calendarID, toAPIEvent(event)).Context(ctx).Do()
	if err != nil {
		return "", translateError(err)
	}
	if created.Id == "" {
		return "", &APIError{Message: "create response carried no event id"}
	}
	return created.Id, nil
}

// UpdateEvent patches the remote event addressed by remoteID.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, remoteID string, event domain.CalendarEvent) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Patch(c.calendarID, remoteID, toAPIEvent(event)).Context(ctx).Do(); err != nil {
		return translateError(err)
	}
	return nil
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	hc := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

func translateError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	msg := gerr.Message
	if msg == "" {
		msg = strings.TrimSpace(gerr.Body)
	}
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}
	return &APIError{StatusCode: gerr.Code, Message: msg, Err: err}
}

func toAPIEvent(e domain.CalendarEvent) *calendar.Event {
	ev := &calendar.Event{
		Summary:     e.Title,
		Description: e.Description,
		Start:       toEventDateTime(e.Start),
		End:         toEventDateTime(e.End),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropertyKind:     string(e.Provenance.Kind),
				PropertyLocalKey: e.Provenance.LocalKey,
			},
		},
		Reminders: &calendar.EventReminders{
			UseDefault:      e.Reminders.UseDefault,
			ForceSendFields: []string{"UseDefault"},
		},
		// Patches must clear a recurrence the record no longer has.
		ForceSendFields: []string{"Recurrence"},
	}
	if e.Recurrence != "" {
		ev.Recurrence = []string{e.Recurrence}
	}
	for _, minutes := range e.Reminders.PopupMinutes {
		ev.Reminders.Overrides = append(ev.Reminders.Overrides, &calendar.EventReminder{Method: "popup", Minutes: int64(minutes)})
	}
	if len(ev.Reminders.Overrides) == 0 {
		ev.Reminders.ForceSendFields = append(ev.Reminders.ForceSendFields, "Overrides")
	}
	return ev
}

func toEventDateTime(t domain.EventTime) *calendar.EventDateTime {
	if t.AllDay() {
		return &calendar.EventDateTime{Date: t.Date, NullFields: []string{"DateTime", "TimeZone"}}
	}
	return &calendar.EventDateTime{
		DateTime:   t.DateTime.Format(time.RFC3339),
		TimeZone:   t.TimeZone,
		NullFields: []string{"Date"},
	}
}
