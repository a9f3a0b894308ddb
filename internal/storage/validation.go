package storage

import (
	"fmt"
	"strings"
	"time"
)

// preparePurchase validates required fields and fills defaults for a new purchase.
// New purchases always start pending.
func preparePurchase(p *Purchase, now time.Time) error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("purchase requires user id")
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("purchase requires session id")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.Status = PurchaseStatusPending
	p.PaidAt = nil
	p.ScheduledAt = nil
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.Currency = strings.ToLower(p.Currency)
	return nil
}

func prepareUser(u *User, now time.Time) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user requires id")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	return nil
}

func prepareAuditEvent(e *AuditEvent, now time.Time) error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("audit event requires user id")
	}
	if strings.TrimSpace(e.EventName) == "" {
		return fmt.Errorf("audit event requires event name")
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return nil
}

func prepareSessionPrep(p *SessionPrep, now time.Time) error {
	if p.UserID == "" || p.PurchaseID == "" {
		return fmt.Errorf("session prep requires user id and purchase id")
	}
	p.Questions = trimQuestions(p.Questions)
	p.UpdatedAt = now
	return nil
}
