package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// CalDAVUpload talks to a CalDAV calendar collection. The composite event
// identity travels in the UID property of the uploaded VEVENT; listing
// decodes it back and remembers which object path carries which identity so
// deletes remove the exact resource.
type CalDAVUpload struct {
	ctx          context.Context
	client       *caldav.Client
	calendarPath string
	logger       *slog.Logger

	// objectPaths maps identities seen by the last listing to their
	// resource paths. Identities not in here are not on the server.
	objectPaths map[EventIdentity]string
}

func NewCalDAVUpload(ctx context.Context, cfg CalDAVConfig, logger *slog.Logger) (*CalDAVUpload, error) {
	serverURL := cfg.ServerURL
	if serverURL == "" {
		serverURL = cfg.CalendarURL
	}
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV server URL: %w", err)
	}
	calURL, err := url.Parse(cfg.CalendarURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV calendar URL: %w", err)
	}

	var httpClient webdav.HTTPClient = http.DefaultClient
	if cfg.Username != "" && cfg.Password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}

	c, err := caldav.NewClient(httpClient, baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CalDAVUpload{
		ctx:          ctx,
		client:       c,
		calendarPath: strings.TrimRight(calURL.Path, "/"),
		logger:       logger,
	}, nil
}

// Connect verifies that the configured calendar collection exists on the
// server by listing the calendars of its parent collection.
func (c *CalDAVUpload) Connect() error {
	homeSetPath := "/"
	if parts := strings.Split(c.calendarPath, "/"); len(parts) > 1 {
		homeSetPath = strings.Join(parts[:len(parts)-1], "/") + "/"
	}

	calendars, err := c.client.FindCalendars(c.ctx, homeSetPath)
	if err != nil {
		return fmt.Errorf("%w: find calendars: %v", ErrCalendarConnection, err)
	}
	for _, cal := range calendars {
		if strings.TrimRight(cal.Path, "/") == c.calendarPath {
			return nil
		}
	}
	return fmt.Errorf("%w: no calendar at path %s", ErrCalendarConnection, c.calendarPath)
}

func (c *CalDAVUpload) ListEventIdentities(start, end time.Time) ([]EventIdentity, error) {
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(c.ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query calendar: %v", ErrEventRetrieval, err)
	}

	c.objectPaths = make(map[EventIdentity]string, len(objects))
	var ids []EventIdentity
	for _, obj := range objects {
		for _, id := range identitiesFromObject(obj.Data) {
			ids = append(ids, id)
			c.objectPaths[id] = obj.Path
		}
	}
	return ids, nil
}

// DeleteEvent removes the resource that carried the identity in the last
// listing. An identity the listing never saw is already gone and a no-op.
func (c *CalDAVUpload) DeleteEvent(id EventIdentity) error {
	path, found := c.objectPaths[id]
	if !found {
		c.logger.Debug("event not present on server, skipping delete", "identity", id.String())
		return nil
	}
	if err := c.client.Client.RemoveAll(c.ctx, path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrEventDeletion, path, err)
	}
	delete(c.objectPaths, id)
	return nil
}

func (c *CalDAVUpload) AddEvent(ev Event) error {
	cal, err := calendarObjectForEvent(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventUpload, err)
	}

	path := c.calendarPath + "/" + uuid.NewString() + ".ics"
	if _, err := c.client.PutCalendarObject(c.ctx, path, cal); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrEventUpload, path, err)
	}
	return nil
}

// calendarObjectForEvent serializes an event as a VCALENDAR holding a single
// VEVENT with the encoded identity as UID. Times are converted to UTC so the
// server side never deals with DST shifts.
func calendarObjectForEvent(ev Event) (*ical.Calendar, error) {
	encoded, err := ev.Identity().Encode()
	if err != nil {
		return nil, err
	}

	icalEvent := ical.NewEvent()
	icalEvent.Component.Props.SetText("UID", encoded)
	icalEvent.Component.Props.SetText("SUMMARY", ev.Title)
	if ev.Location != "" {
		icalEvent.Component.Props.SetText("LOCATION", ev.Location)
	}
	icalEvent.Component.Props.SetDateTime("DTSTART", ev.Start.UTC())
	icalEvent.Component.Props.SetDateTime("DTEND", ev.End.UTC())

	cal := ical.NewCalendar()
	cal.Component.Props.SetText("VERSION", "2.0")
	cal.Component.Props.SetText("PRODID", "-//cacaluploader//calendar sync//EN")
	cal.Component.Children = append(cal.Component.Children, icalEvent.Component)
	return cal, nil
}

// identitiesFromObject decodes the identities of all VEVENTs in a fetched
// calendar object.
func identitiesFromObject(cal *ical.Calendar) []EventIdentity {
	var ids []EventIdentity
	for _, comp := range cal.Component.Children {
		if comp.Name != "VEVENT" {
			continue
		}
		raw := getTextProp(comp.Props, "UID")
		if raw == "" {
			continue
		}
		ids = append(ids, DecodeIdentity(raw))
	}
	return ids
}
