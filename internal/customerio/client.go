// Package customerio wraps the Customer.io Track and App APIs behind small
// interfaces so notification delivery can be tested and circuit-broken.
package customerio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	cio "github.com/customerio/go-customerio/v3"
	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/circuitbreaker"
	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/logger"
)

// ErrNoRecipient is returned when a transactional email has no address.
var ErrNoRecipient = errors.New("customerio: email recipient required")

// Tracker sends behavioral events and profile attributes.
type Tracker interface {
	Track(ctx context.Context, userID, eventName string, data map[string]any) error
	Identify(ctx context.Context, userID string, attributes map[string]any) error
}

// Mailer sends transactional messages.
type Mailer interface {
	SendTransactional(ctx context.Context, email Email) error
}

// Email is one transactional message addressed to a known user.
type Email struct {
	MessageID string
	UserID    string
	To        string
	Data      map[string]any
}

// Client implements Tracker and Mailer over the Customer.io SDK. A client
// built without credentials logs and drops every call.
type Client struct {
	track    *cio.CustomerIO
	app      *cio.APIClient
	breakers *circuitbreaker.Manager
	logger   zerolog.Logger
}

// New builds a Client. Track calls need site id and track key; transactional
// email needs the app key. Missing credentials disable the matching half.
func New(cfg config.CustomerIOConfig, httpClient *http.Client, breakers *circuitbreaker.Manager, log zerolog.Logger) *Client {
	c := &Client{breakers: breakers, logger: log}
	if cfg.Disabled {
		return c
	}

	region := cio.RegionUS
	if strings.EqualFold(cfg.Region, "eu") {
		region = cio.RegionEU
	}

	if cfg.SiteID != "" && cfg.TrackKey != "" {
		c.track = cio.NewTrackClient(cfg.SiteID, cfg.TrackKey, cio.WithRegion(region), cio.WithHTTPClient(httpClient))
	}
	if cfg.AppKey != "" {
		c.app = cio.NewAPIClient(cfg.AppKey, cio.WithRegion(region), cio.WithHTTPClient(httpClient))
	}
	return c
}

// Enabled reports whether any Customer.io API is configured.
func (c *Client) Enabled() bool {
	return c.track != nil || c.app != nil
}

// Track sends a behavioral event for userID.
func (c *Client) Track(ctx context.Context, userID, eventName string, data map[string]any) error {
	if c.track == nil {
		c.logger.Debug().Str("event", eventName).Msg("customerio.track_skipped")
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	err := c.breakers.Run(circuitbreaker.ServiceCustomerIO, func() error {
		return c.track.TrackCtx(ctx, userID, eventName, data)
	})
	if err != nil {
		return fmt.Errorf("customerio: track %s: %w", eventName, err)
	}
	return nil
}

// Identify creates or updates the customer profile for userID.
func (c *Client) Identify(ctx context.Context, userID string, attributes map[string]any) error {
	if c.track == nil {
		c.logger.Debug().Str("user_id", logger.TruncateID(userID)).Msg("customerio.identify_skipped")
		return nil
	}
	err := c.breakers.Run(circuitbreaker.ServiceCustomerIO, func() error {
		return c.track.IdentifyCtx(ctx, userID, attributes)
	})
	if err != nil {
		return fmt.Errorf("customerio: identify: %w", err)
	}
	return nil
}

// SendTransactional sends a transactional email through the App API.
func (c *Client) SendTransactional(ctx context.Context, email Email) error {
	if email.To == "" {
		return ErrNoRecipient
	}
	if c.app == nil {
		c.logger.Debug().Str("message_id", email.MessageID).Msg("customerio.email_skipped")
		return nil
	}
	data := email.Data
	if data == nil {
		data = map[string]any{}
	}
	req := &cio.SendEmailRequest{
		TransactionalMessageID: email.MessageID,
		MessageData:            data,
		Identifiers:            map[string]string{"id": email.UserID},
		To:                     email.To,
	}
	err := c.breakers.Run(circuitbreaker.ServiceCustomerIO, func() error {
		_, err := c.app.SendEmail(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("customerio: send email %s: %w", email.MessageID, err)
	}
	return nil
}
