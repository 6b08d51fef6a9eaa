package notification

import (
	"context"

	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// InAppStore persists in-app notifications
type InAppStore interface {
	SaveInAppNotification(ctx context.Context, notification *models.InAppNotification) error
}

// InAppSender surfaces alerts in the product for the contract owner
type InAppSender struct {
	store InAppStore
}

// NewInAppSender creates an in-app sender
func NewInAppSender(store InAppStore) *InAppSender {
	return &InAppSender{store: store}
}

// Channel implements Sender
func (s *InAppSender) Channel() models.Channel {
	return models.ChannelInApp
}

// Send stores a notification for the contract owner
func (s *InAppSender) Send(ctx context.Context, msg *Message) error {
	if msg.Contract.UserID == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Contract has no owner", msg.Contract.ID)
	}
	err := s.store.SaveInAppNotification(ctx, &models.InAppNotification{
		UserID:     msg.Contract.UserID,
		AlertID:    msg.Alert.ID,
		ContractID: msg.Contract.ID,
		Severity:   msg.Alert.Severity,
		Title:      msg.Subject(),
		Message:    msg.Alert.Description,
	})
	if err != nil {
		return utils.WrapError(utils.ErrCodeNotification, "Failed to store in-app notification", err)
	}
	return nil
}
