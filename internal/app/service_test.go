package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cotafacil/escrow-service/internal/domain"
	"github.com/cotafacil/escrow-service/internal/store"
	"github.com/cotafacil/escrow-service/pkg/rabbitmq"
)

type authorizeRepoStub struct {
	store.Repository

	cfg      *domain.WebhookConfig
	cfgErr   error
	transfer *domain.SupplierTransfer
	payment  *domain.EscrowPayment

	transferFailCalled bool
	paymentFailCalled  bool
	failReason         string

	transferDeferCalled bool
	paymentDeferCalled  bool
	deferReason         string

	approveTransferCalled bool
	approvePaymentCalled  bool
	approveResult         bool
	approveFromStatuses   []string
	approveQuoteID        *uuid.UUID
	approveAudit          domain.AuditLogEntry

	auditEntries []domain.AuditLogEntry
}

func (s *authorizeRepoStub) GetWebhookConfig(ctx context.Context) (*domain.WebhookConfig, error) {
	if s.cfgErr != nil {
		return nil, s.cfgErr
	}
	return s.cfg, nil
}

func (s *authorizeRepoStub) FindSupplierTransferByExternalID(ctx context.Context, externalTransferID string) (*domain.SupplierTransfer, error) {
	if s.transfer == nil {
		return nil, store.ErrTransferNotFound
	}
	return s.transfer, nil
}

func (s *authorizeRepoStub) FindEscrowPaymentByExternalID(ctx context.Context, externalTransferID string) (*domain.EscrowPayment, error) {
	if s.payment == nil {
		return nil, store.ErrPaymentNotFound
	}
	return s.payment, nil
}

func (s *authorizeRepoStub) MarkSupplierTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error {
	s.transferFailCalled = true
	s.failReason = reason
	return nil
}

func (s *authorizeRepoStub) MarkEscrowPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	s.paymentFailCalled = true
	s.failReason = reason
	return nil
}

func (s *authorizeRepoStub) DeferSupplierTransfer(ctx context.Context, transferID uuid.UUID, reason string) error {
	s.transferDeferCalled = true
	s.deferReason = reason
	return nil
}

func (s *authorizeRepoStub) DeferEscrowPayment(ctx context.Context, paymentID uuid.UUID, reason string) error {
	s.paymentDeferCalled = true
	s.deferReason = reason
	return nil
}

func (s *authorizeRepoStub) ApproveSupplierTransferAtomic(ctx context.Context, transferID uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error) {
	s.approveTransferCalled = true
	s.approveFromStatuses = fromStatuses
	s.approveAudit = audit
	return s.approveResult, nil
}

func (s *authorizeRepoStub) ApproveEscrowPaymentAtomic(ctx context.Context, paymentID uuid.UUID, quoteID *uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error) {
	s.approvePaymentCalled = true
	s.approveFromStatuses = fromStatuses
	s.approveQuoteID = quoteID
	s.approveAudit = audit
	return s.approveResult, nil
}

func (s *authorizeRepoStub) CreateAuditLogEntry(ctx context.Context, entry domain.AuditLogEntry) error {
	s.auditEntries = append(s.auditEntries, entry)
	return nil
}

type publisherStub struct {
	decisions     []rabbitmq.TransferDecisionEvent
	staleReleases []rabbitmq.StaleReleaseEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishTransferDecision(ctx context.Context, event rabbitmq.TransferDecisionEvent) error {
	p.decisions = append(p.decisions, event)
	return nil
}

func (p *publisherStub) PublishStaleRelease(ctx context.Context, event rabbitmq.StaleReleaseEvent) error {
	p.staleReleases = append(p.staleReleases, event)
	return nil
}

func (p *publisherStub) Close() {}

const testWebhookToken = "whk_secret"

func enabledConfig() *domain.WebhookConfig {
	token := testWebhookToken
	return &domain.WebhookConfig{
		Enabled:              true,
		AuthToken:            &token,
		MaxAutoApproveAmount: decimal.NewFromInt(10000),
		ValidatePixKey:       true,
	}
}

func escrowPaymentFixture(amount string, status string) *domain.EscrowPayment {
	quoteID := uuid.New()
	return &domain.EscrowPayment{
		ID:                 uuid.New(),
		ExternalTransferID: "tr_abc123",
		Amount:             decimal.RequireFromString(amount),
		Status:             status,
		SupplierID:         uuid.New(),
		QuoteID:            &quoteID,
		Supplier: &domain.Supplier{
			ID:     uuid.New(),
			Name:   "Fornecedora ABC Ltda",
			PixKey: "fornecedor@empresa.com.br",
		},
	}
}

func supplierTransferFixture(amount string, status string) *domain.SupplierTransfer {
	return &domain.SupplierTransfer{
		ID:                 uuid.New(),
		ExternalTransferID: "tr_abc123",
		Amount:             decimal.RequireFromString(amount),
		Status:             status,
		SupplierID:         uuid.New(),
		Supplier: &domain.Supplier{
			ID:     uuid.New(),
			Name:   "Fornecedora ABC Ltda",
			PixKey: "fornecedor@empresa.com.br",
		},
	}
}

func webhookBody(t *testing.T, id, value, pixKey string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"transfer": map[string]interface{}{
			"id":     id,
			"value":  json.Number(value),
			"pixKey": pixKey,
		},
	})
	if err != nil {
		t.Fatalf("failed to build webhook body: %v", err)
	}
	return body
}

func TestAuthorizeTransfer_ApprovesEscrowPayment(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:           enabledConfig(),
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	producer := &publisherStub{}
	svc := NewService(repo, producer, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected APPROVED, got %s (%s)", decision.Status, decision.Message)
	}
	if decision.HTTPStatus != 200 {
		t.Fatalf("expected http 200, got %d", decision.HTTPStatus)
	}
	if !repo.approvePaymentCalled {
		t.Fatal("expected escrow payment approval to be attempted")
	}
	if repo.approveQuoteID == nil || *repo.approveQuoteID != *repo.payment.QuoteID {
		t.Fatal("expected the linked quote id to be passed to the approval")
	}
	if len(repo.approveFromStatuses) != 2 {
		t.Fatalf("expected the guard to cover escrow and releasing, got %v", repo.approveFromStatuses)
	}
	if repo.approveAudit.Action != domain.AuditActionTransferApproved {
		t.Fatalf("expected approval audit action, got %s", repo.approveAudit.Action)
	}
	if repo.approveAudit.SupplierName != "Fornecedora ABC Ltda" {
		t.Fatalf("expected supplier name in audit, got %q", repo.approveAudit.SupplierName)
	}
	if len(producer.decisions) != 1 || producer.decisions[0].Action != domain.AuditActionTransferApproved {
		t.Fatalf("expected one approval event, got %v", producer.decisions)
	}
}

func TestAuthorizeTransfer_ApprovesSupplierTransfer(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:           enabledConfig(),
		transfer:      supplierTransferFixture("99.90", domain.TransferStatusPending),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "99.90", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected APPROVED, got %s (%s)", decision.Status, decision.Message)
	}
	if !repo.approveTransferCalled {
		t.Fatal("expected supplier transfer approval to be attempted")
	}
	if len(repo.approveFromStatuses) != 1 || repo.approveFromStatuses[0] != domain.TransferStatusPending {
		t.Fatalf("expected the guard to be pending only, got %v", repo.approveFromStatuses)
	}
}

func TestAuthorizeTransfer_AmountMismatchFailsRecord(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
	}
	producer := &publisherStub{}
	svc := NewService(repo, producer, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "175.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected REJECTED 200, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if !repo.paymentFailCalled {
		t.Fatal("expected the payment to be marked failed")
	}
	if !strings.Contains(repo.failReason, "amount mismatch") {
		t.Fatalf("expected amount mismatch reason, got %q", repo.failReason)
	}
	if repo.approvePaymentCalled {
		t.Fatal("approval must not run after a validation failure")
	}
	if len(repo.auditEntries) != 0 {
		t.Fatalf("rejections are not audited by default, got %d entries", len(repo.auditEntries))
	}
	if len(producer.decisions) != 1 || producer.decisions[0].Action != domain.AuditActionTransferRejected {
		t.Fatalf("expected one rejection event, got %v", producer.decisions)
	}
}

func TestAuthorizeTransfer_AmountWithinToleranceApproves(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:           enabledConfig(),
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.005", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected a sub-cent difference to pass, got %s (%s)", decision.Status, decision.Message)
	}
}

func TestAuthorizeTransfer_OneCentDifferenceFailsRecord(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("100.00", domain.PaymentStatusEscrow),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "99.99", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected REJECTED 200 for a full one-cent gap, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if !repo.paymentFailCalled {
		t.Fatal("expected the payment to be marked failed")
	}
	if !strings.Contains(repo.failReason, "amount mismatch") {
		t.Fatalf("expected amount mismatch reason, got %q", repo.failReason)
	}
	if repo.approvePaymentCalled {
		t.Fatal("approval must not run when the amounts differ by a cent")
	}
}

func TestAuthorizeTransfer_NonAuthorizableStatusFails(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("150.00", domain.PaymentStatusReleased),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", decision.Status)
	}
	if !strings.Contains(repo.failReason, "not authorizable") {
		t.Fatalf("expected status reason, got %q", repo.failReason)
	}
}

func TestAuthorizeTransfer_MissingSupplierFails(t *testing.T) {
	payment := escrowPaymentFixture("150.00", domain.PaymentStatusEscrow)
	payment.Supplier = nil
	repo := &authorizeRepoStub{cfg: enabledConfig(), payment: payment}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", decision.Status)
	}
	if !strings.Contains(repo.failReason, "supplier not found") {
		t.Fatalf("expected supplier reason, got %q", repo.failReason)
	}
}

func TestAuthorizeTransfer_NonPositiveAmountFails(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("0.00", domain.PaymentStatusEscrow),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "0.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", decision.Status)
	}
	if !strings.Contains(repo.failReason, "non-positive") {
		t.Fatalf("expected non-positive reason, got %q", repo.failReason)
	}
}

func TestAuthorizeTransfer_CeilingDefersInsteadOfFailing(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("25000.00", domain.PaymentStatusEscrow),
	}
	producer := &publisherStub{}
	svc := NewService(repo, producer, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "25000.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected REJECTED 200, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if !repo.paymentDeferCalled {
		t.Fatal("expected the payment to be deferred for manual review")
	}
	if repo.paymentFailCalled {
		t.Fatal("a deferred payment must not be marked failed")
	}
	if !strings.Contains(repo.deferReason, "ceiling") {
		t.Fatalf("expected ceiling reason, got %q", repo.deferReason)
	}
	if len(producer.decisions) != 1 || producer.decisions[0].Action != domain.AuditActionTransferDeferred {
		t.Fatalf("expected one deferral event, got %v", producer.decisions)
	}
}

func TestAuthorizeTransfer_ZeroCeilingUsesDefault(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxAutoApproveAmount = decimal.Zero
	repo := &authorizeRepoStub{
		cfg:     cfg,
		payment: escrowPaymentFixture("60000.00", domain.PaymentStatusEscrow),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "60000.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected REJECTED 200, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if !repo.paymentDeferCalled {
		t.Fatal("a zero ceiling must fall back to the default, not auto-approve unbounded amounts")
	}
	if !strings.Contains(repo.deferReason, domain.DefaultMaxAutoApproveAmount.StringFixed(2)) {
		t.Fatalf("expected the default ceiling in the deferral reason, got %q", repo.deferReason)
	}
}

func TestAuthorizeTransfer_ZeroCeilingStillApprovesBelowDefault(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxAutoApproveAmount = decimal.Zero
	repo := &authorizeRepoStub{
		cfg:           cfg,
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected APPROVED, got %s (%s)", decision.Status, decision.Message)
	}
	if repo.paymentDeferCalled {
		t.Fatal("amounts below the default ceiling must not be deferred")
	}
}

func TestAuthorizeTransfer_UnknownTransferSoftRejects(t *testing.T) {
	repo := &authorizeRepoStub{cfg: enabledConfig()}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_unknown", "10.00", "x@y.com"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected a soft REJECTED 200, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if repo.transferFailCalled || repo.paymentFailCalled || repo.transferDeferCalled || repo.paymentDeferCalled {
		t.Fatal("an unknown transfer must not mutate any record")
	}
	if len(repo.auditEntries) != 0 {
		t.Fatal("an unknown transfer must not be audited")
	}
}

func TestAuthorizeTransfer_ConfigGate(t *testing.T) {
	disabled := enabledConfig()
	disabled.Enabled = false

	tests := []struct {
		name       string
		cfg        *domain.WebhookConfig
		cfgErr     error
		wantStatus int
	}{
		{name: "missing config", cfgErr: store.ErrWebhookConfigNotFound, wantStatus: 403},
		{name: "disabled config", cfg: disabled, wantStatus: 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &authorizeRepoStub{cfg: tt.cfg, cfgErr: tt.cfgErr}
			svc := NewService(repo, &publisherStub{}, "SAO PAULO")

			decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "10.00", "x@y.com"))

			if decision.Status != DecisionRejected || decision.HTTPStatus != tt.wantStatus {
				t.Fatalf("expected REJECTED %d, got %s %d", tt.wantStatus, decision.Status, decision.HTTPStatus)
			}
		})
	}
}

func TestAuthorizeTransfer_InvalidTokenRejects(t *testing.T) {
	repo := &authorizeRepoStub{cfg: enabledConfig(), payment: escrowPaymentFixture("10.00", domain.PaymentStatusEscrow)}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), "wrong-token", webhookBody(t, "tr_abc123", "10.00", "x@y.com"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 401 {
		t.Fatalf("expected REJECTED 401, got %s %d", decision.Status, decision.HTTPStatus)
	}
}

func TestAuthorizeTransfer_NoConfiguredTokenSkipsAuth(t *testing.T) {
	cfg := enabledConfig()
	cfg.AuthToken = nil
	repo := &authorizeRepoStub{
		cfg:           cfg,
		payment:       escrowPaymentFixture("10.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), "", webhookBody(t, "tr_abc123", "10.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected APPROVED without a configured token, got %s (%s)", decision.Status, decision.Message)
	}
}

func TestAuthorizeTransfer_PayloadGate(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "malformed json", body: []byte("{not json")},
		{name: "missing transfer id", body: []byte(`{"transfer":{"value":10}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &authorizeRepoStub{cfg: enabledConfig()}
			svc := NewService(repo, &publisherStub{}, "SAO PAULO")

			decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, tt.body)

			if decision.Status != DecisionRejected || decision.HTTPStatus != 400 {
				t.Fatalf("expected REJECTED 400, got %s %d", decision.Status, decision.HTTPStatus)
			}
		})
	}
}

func TestAuthorizeTransfer_PixKeyMismatchFails(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:     enabledConfig(),
		payment: escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "atacante@outro.com"))

	if decision.Status != DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", decision.Status)
	}
	if !repo.paymentFailCalled {
		t.Fatal("expected the payment to be marked failed on a key mismatch")
	}
	if repo.approvePaymentCalled {
		t.Fatal("a mismatched key must not be approved")
	}
}

func TestAuthorizeTransfer_PixKeyComparisonIsCaseInsensitive(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:           enabledConfig(),
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "  FORNECEDOR@Empresa.com.BR "))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected case and whitespace to be ignored, got %s (%s)", decision.Status, decision.Message)
	}
}

func TestAuthorizeTransfer_PixKeyValidationDisabled(t *testing.T) {
	cfg := enabledConfig()
	cfg.ValidatePixKey = false
	repo := &authorizeRepoStub{
		cfg:           cfg,
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: true,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "qualquer@chave.com"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected APPROVED with key validation disabled, got %s", decision.Status)
	}
}

func TestAuthorizeTransfer_RecordLevelKeyFallback(t *testing.T) {
	payment := escrowPaymentFixture("150.00", domain.PaymentStatusEscrow)
	payment.Supplier.PixKey = ""
	recordKey := "11998765432"
	payment.SupplierPixKey = &recordKey
	repo := &authorizeRepoStub{cfg: enabledConfig(), payment: payment, approveResult: true}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "11998765432"))

	if decision.Status != DecisionApproved {
		t.Fatalf("expected the record-level key to back an empty supplier key, got %s (%s)", decision.Status, decision.Message)
	}
}

func TestAuthorizeTransfer_RaceLossRejectsWithoutFailing(t *testing.T) {
	repo := &authorizeRepoStub{
		cfg:           enabledConfig(),
		payment:       escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
		approveResult: false,
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	decision := svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "150.00", "fornecedor@empresa.com.br"))

	if decision.Status != DecisionRejected || decision.HTTPStatus != 200 {
		t.Fatalf("expected REJECTED 200 when the guard loses, got %s %d", decision.Status, decision.HTTPStatus)
	}
	if repo.paymentFailCalled {
		t.Fatal("losing the approval race must not mark the record failed")
	}
}

func TestAuthorizeTransfer_AuditRejectionsFlag(t *testing.T) {
	cfg := enabledConfig()
	cfg.AuditRejections = true
	repo := &authorizeRepoStub{
		cfg:     cfg,
		payment: escrowPaymentFixture("150.00", domain.PaymentStatusEscrow),
	}
	svc := NewService(repo, &publisherStub{}, "SAO PAULO")

	svc.AuthorizeTransfer(context.Background(), testWebhookToken, webhookBody(t, "tr_abc123", "175.00", "fornecedor@empresa.com.br"))

	if len(repo.auditEntries) != 1 {
		t.Fatalf("expected one rejection audit entry, got %d", len(repo.auditEntries))
	}
	if repo.auditEntries[0].Action != domain.AuditActionTransferRejected {
		t.Fatalf("expected rejection action, got %s", repo.auditEntries[0].Action)
	}
}

func TestPixKeysMatch(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		incoming string
		want     bool
	}{
		{name: "exact match", expected: "a@b.com", incoming: "a@b.com", want: true},
		{name: "case insensitive", expected: "A@B.COM", incoming: "a@b.com", want: true},
		{name: "trims whitespace", expected: " a@b.com ", incoming: "a@b.com", want: true},
		{name: "different keys", expected: "a@b.com", incoming: "c@d.com", want: false},
		{name: "empty expected fails closed", expected: "", incoming: "a@b.com", want: false},
		{name: "empty incoming fails closed", expected: "a@b.com", incoming: "", want: false},
		{name: "both empty fails closed", expected: "", incoming: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pixKeysMatch(tt.expected, tt.incoming); got != tt.want {
				t.Fatalf("expected match=%t, got %t", tt.want, got)
			}
		})
	}
}
