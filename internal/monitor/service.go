package monitor

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// ContractRequest describes a contract to watch
type ContractRequest struct {
	Address          string `json:"address"`
	Chain            string `json:"chain"`
	UserID           string `json:"user_id"`
	Name             string `json:"name"`
	ABI              string `json:"abi,omitempty"`
	MaxAlertsPerHour int    `json:"max_alerts_per_hour"`
}

// RuleRequest describes a rule to attach to a contract
type RuleRequest struct {
	RuleType      models.RuleType             `json:"rule_type"`
	Conditions    models.Conditions           `json:"conditions"`
	Notifications models.NotificationSettings `json:"notifications"`
}

// ContractStatus combines the stored contract with the supervisor's live view
type ContractStatus struct {
	Contract *models.MonitoredContract `json:"contract"`
	State    *ContractState            `json:"state,omitempty"`
}

// Service is the control surface over monitoring
type Service struct {
	store      storage.Storage
	supervisor *Supervisor
	chains     connection.ClientSource
	logger     *logrus.Entry
}

// NewService creates the control surface
func NewService(store storage.Storage, supervisor *Supervisor, chains connection.ClientSource) *Service {
	return &Service{
		store:      store,
		supervisor: supervisor,
		chains:     chains,
		logger:     utils.ComponentLogger("monitor_service"),
	}
}

// AddContract registers a contract and starts monitoring it
func (s *Service) AddContract(ctx context.Context, req ContractRequest) (string, error) {
	if !utils.IsValidAddress(req.Address) {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid contract address", req.Address)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return "", utils.NewAppError(utils.ErrCodeValidation, "User ID is required", "")
	}
	if req.MaxAlertsPerHour < 0 {
		return "", utils.NewAppError(utils.ErrCodeValidation, "maxAlertsPerHour must not be negative", "")
	}
	chain := strings.ToLower(strings.TrimSpace(req.Chain))
	if _, err := s.chains.Client(chain); err != nil {
		return "", err
	}
	if _, err := NewLogDecoder(req.ABI); err != nil {
		return "", err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = utils.NormalizeAddress(req.Address)
	}

	contract := &models.MonitoredContract{
		Address:          req.Address,
		Chain:            chain,
		UserID:           req.UserID,
		Name:             name,
		ABI:              req.ABI,
		IsActive:         true,
		MaxAlertsPerHour: req.MaxAlertsPerHour,
	}
	if err := s.store.CreateContract(ctx, contract); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"contract_id": contract.ID,
		"address":     contract.Address,
		"chain":       contract.Chain,
	}).Info("Contract added")

	if err := s.supervisor.StartContract(ctx, contract.ID); err != nil {
		s.logger.WithError(err).WithField("contract_id", contract.ID).Error("Contract added but not started")
	}
	return contract.ID, nil
}

// AddRule attaches an active rule to a contract. Running watchers pick it up from the next block.
func (s *Service) AddRule(ctx context.Context, contractID string, req RuleRequest) (string, error) {
	if !req.RuleType.Valid() {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Unknown rule type", string(req.RuleType))
	}
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return "", err
	}
	if req.Notifications.WebhookURL != "" && !strings.HasPrefix(req.Notifications.WebhookURL, "http") {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Webhook URL must be http(s)", req.Notifications.WebhookURL)
	}

	conditions := req.Conditions
	if conditions == nil {
		conditions = models.Conditions{}
	}
	rule := &models.MonitoringRule{
		ContractID:    contractID,
		RuleType:      req.RuleType,
		Conditions:    conditions,
		IsActive:      true,
		Notifications: req.Notifications,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"contract_id": contractID,
		"rule_id":     rule.ID,
		"rule_type":   rule.RuleType,
	}).Info("Rule added")
	return rule.ID, nil
}

// Start starts monitoring a contract
func (s *Service) Start(ctx context.Context, contractID string) error {
	return s.supervisor.StartContract(ctx, contractID)
}

// Stop stops monitoring a contract
func (s *Service) Stop(ctx context.Context, contractID string) error {
	return s.supervisor.StopContract(ctx, contractID)
}

// Status reports the stored contract and its live monitoring state
func (s *Service) Status(ctx context.Context, contractID string) (*ContractStatus, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	status := &ContractStatus{Contract: contract}
	if state, ok := s.supervisor.State(contractID); ok {
		status.State = &state
	}
	return status, nil
}

// GetAlerts returns the newest alerts of a contract
func (s *Service) GetAlerts(ctx context.Context, contractID string, limit int) ([]*models.ContractAlert, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.GetAlerts(ctx, storage.AlertFilter{ContractID: contractID, Limit: limit})
}

// Acknowledge marks an alert as seen
func (s *Service) Acknowledge(ctx context.Context, alertID string) error {
	return s.store.AcknowledgeAlert(ctx, alertID)
}

// GetNotifications returns a user's newest in-app notifications
func (s *Service) GetNotifications(ctx context.Context, userID string, limit int) ([]*models.InAppNotification, error) {
	return s.store.GetInAppNotifications(ctx, userID, limit)
}
