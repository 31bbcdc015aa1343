package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/entity"
)

type identityEvent struct {
	Event         string `json:"event"`
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	PayoutAddress string `json:"payout_address"`
}

// ProcessIdentityWebhook verifies and applies a user lifecycle event from the
// identity provider. Deleting a user never touches their financial rows.
func (s *BillingService) ProcessIdentityWebhook(ctx context.Context, payload []byte, signature string) error {
	if !verifyIdentitySignature(payload, signature, s.identitySecret) {
		s.logger.Warn("Identity webhook signature verification failed")
		return ErrWebhookRejected
	}

	var event identityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidRequest
	}
	if event.UserID == "" {
		return ErrInvalidRequest
	}

	switch event.Event {
	case "user.created", "user.updated":
		return s.upsertIdentityUser(ctx, &event)
	case "user.deleted":
		if err := s.store.DeleteUserByExternalID(ctx, event.UserID); err != nil {
			return err
		}
		s.logger.WithField("external_id", event.UserID).Info("User removed, financial history retained")
		return nil
	default:
		s.logger.WithFields(logrus.Fields{
			"event":       event.Event,
			"external_id": event.UserID,
		}).Info("Unrecognized identity event ignored")
		return nil
	}
}

func (s *BillingService) upsertIdentityUser(ctx context.Context, event *identityEvent) error {
	if event.Email == "" {
		return ErrInvalidRequest
	}

	role := entity.RoleUser
	if strings.EqualFold(event.Role, entity.RoleAdmin) {
		role = entity.RoleAdmin
	}

	now := time.Now().UTC()
	user := &entity.User{
		ExternalID: event.UserID,
		Email:      event.Email,
		Role:       role,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if event.PayoutAddress != "" {
		addr := event.PayoutAddress
		user.PayoutAddress = &addr
	}

	return s.store.UpsertUser(ctx, user)
}

func verifyIdentitySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
