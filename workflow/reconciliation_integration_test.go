package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/slipverify"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/shopspring/decimal"
)

// fakeVerifier returns canned verification results per object key.
type fakeVerifier struct {
	results map[string]*slipverify.Result
	errs    map[string]error
}

func (f *fakeVerifier) Verify(ctx context.Context, objectKey string) (*slipverify.Result, error) {
	if err, ok := f.errs[objectKey]; ok {
		return nil, err
	}
	if r, ok := f.results[objectKey]; ok {
		return r, nil
	}
	return nil, &slipverify.VerifyError{Kind: slipverify.ErrorKindPermanent, StatusCode: 422, Message: "unknown object"}
}

// fakeFulfillment records cancel calls and can be told to fail.
type fakeFulfillment struct {
	fail  bool
	calls []string
}

func (f *fakeFulfillment) CancelOrder(ctx context.Context, businessId string, orderId int, amendmentNo string) error {
	f.calls = append(f.calls, amendmentNo)
	if f.fail {
		return errors.New("fulfillment unreachable")
	}
	return nil
}

func TestEvidenceReconciliationLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "orders_test")
	t.Setenv("OUTBOX_DISPATCHER_DISABLED", "true")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	businessId := "biz-reconcile-test"
	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, businessId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Reviewer")
	ctx = utils.SetUserRoleInContext(ctx, string(models.UserRoleAccounting))

	transferA := time.Date(2024, 5, 1, 3, 15, 30, 0, time.UTC)
	verifier := &fakeVerifier{results: map[string]*slipverify.Result{
		businessId + "/slips/a.jpg": {Amount: decimal.RequireFromString("60.00"), TransferredAt: transferA, BankReference: "KBZ-A"},
		businessId + "/slips/b.jpg": {Amount: decimal.RequireFromString("40.00"), TransferredAt: transferA.Add(time.Hour), BankReference: "KBZ-B"},
		businessId + "/slips/c.jpg": {Amount: decimal.RequireFromString("150.00"), TransferredAt: transferA.Add(2 * time.Hour), BankReference: "KBZ-C"},
	}}
	workflow.EvidenceVerifier = verifier

	order, err := models.CreateOrder(ctx, models.NewOrder{
		Channel:        "shopee",
		CustomerName:   "Aye Chan",
		ExpectedAmount: decimal.RequireFromString("100.00"),
		Items:          []models.NewOrderItem{{Sku: "SKU-1", Name: "Widget", Qty: 2, UnitPrice: decimal.RequireFromString("50.00")}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != models.OrderStatusDraft {
		t.Fatalf("new order must be Draft, got %s", order.Status)
	}

	// Partial payment: order stays Draft and a shortfall obligation opens.
	result, err := workflow.SubmitEvidence(ctx, workflow.SubmitEvidenceInput{
		OrderId: order.ID,
		Refs:    []workflow.EvidenceRef{{ObjectKey: businessId + "/slips/a.jpg"}},
	})
	if err != nil {
		t.Fatalf("SubmitEvidence(a): %v", err)
	}
	if result.OrderStatus != models.OrderStatusDraft {
		t.Fatalf("short payment must keep Draft, got %s", result.OrderStatus)
	}
	refunds, err := models.ListRefunds(ctx, models.RefundListFilter{OrderId: order.ID})
	if err != nil {
		t.Fatalf("ListRefunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].Kind != models.RefundKindShortfall {
		t.Fatalf("expected one shortfall refund, got %+v", refunds)
	}
	if !refunds[0].Amount.Equal(decimal.RequireFromString("40.00")) {
		t.Fatalf("expected shortfall 40.00, got %s", refunds[0].Amount)
	}

	// Completing the payment advances the order and supersedes the shortfall.
	result, err = workflow.SubmitEvidence(ctx, workflow.SubmitEvidenceInput{
		OrderId: order.ID,
		Refs:    []workflow.EvidenceRef{{ObjectKey: businessId + "/slips/b.jpg"}},
	})
	if err != nil {
		t.Fatalf("SubmitEvidence(b): %v", err)
	}
	if result.OrderStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("full payment must reach AwaitingReview, got %s", result.OrderStatus)
	}
	refunds, err = models.ListRefunds(ctx, models.RefundListFilter{OrderId: order.ID, Status: string(models.RefundStatusSuperseded)})
	if err != nil {
		t.Fatalf("ListRefunds(superseded): %v", err)
	}
	if len(refunds) != 1 {
		t.Fatalf("prior shortfall must be superseded, got %+v", refunds)
	}

	// The same image on another order is flagged, never counted.
	other, err := models.CreateOrder(ctx, models.NewOrder{
		Channel:        "shopee",
		ExpectedAmount: decimal.RequireFromString("60.00"),
		Items:          []models.NewOrderItem{{Sku: "SKU-2", Name: "Gadget", Qty: 1, UnitPrice: decimal.RequireFromString("60.00")}},
	})
	if err != nil {
		t.Fatalf("CreateOrder(other): %v", err)
	}
	result, err = workflow.SubmitEvidence(ctx, workflow.SubmitEvidenceInput{
		OrderId: other.ID,
		Refs:    []workflow.EvidenceRef{{ObjectKey: businessId + "/slips/a.jpg"}},
	})
	if err != nil {
		t.Fatalf("SubmitEvidence(duplicate): %v", err)
	}
	if result.DuplicateCount != 1 || result.AcceptedCount != 0 {
		t.Fatalf("reused image must be a duplicate, got %+v", result)
	}
	if result.OrderStatus != models.OrderStatusDraft {
		t.Fatalf("duplicate must not advance the order, got %s", result.OrderStatus)
	}

	// Overpayment advances the order and opens an overage obligation.
	result, err = workflow.SubmitEvidence(ctx, workflow.SubmitEvidenceInput{
		OrderId: other.ID,
		Refs:    []workflow.EvidenceRef{{ObjectKey: businessId + "/slips/c.jpg"}},
	})
	if err != nil {
		t.Fatalf("SubmitEvidence(overage): %v", err)
	}
	if result.OrderStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("overpaid order must advance, got %s", result.OrderStatus)
	}
	refunds, err = models.ListRefunds(ctx, models.RefundListFilter{OrderId: other.ID, Kind: string(models.RefundKindOverage)})
	if err != nil {
		t.Fatalf("ListRefunds(overage): %v", err)
	}
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.RequireFromString("90.00")) {
		t.Fatalf("expected overage 90.00 (150 - 60), got %+v", refunds)
	}

	// Manual entry matching slip A's minute and amount reports the clash but
	// still goes in for review.
	check, err := workflow.SubmitManualCheck(ctx, models.NewManualSlipCheck{
		OrderId:      order.ID,
		TransferDate: "2024-05-01",
		TransferTime: "10:15",
		Amount:       decimal.RequireFromString("60.00"),
	})
	if err != nil {
		t.Fatalf("SubmitManualCheck: %v", err)
	}
	if len(check.Matches) == 0 {
		t.Fatalf("expected duplicate match against slip A, got none")
	}

	// Approving the check force-verifies the order; a second decision fails.
	decided, err := workflow.DecideManualCheck(ctx, check.CheckId, models.DecisionOutcomeApprove, "")
	if err != nil {
		t.Fatalf("DecideManualCheck: %v", err)
	}
	if decided.OrderStatus != models.OrderStatusVerified {
		t.Fatalf("approval must force Verified, got %s", decided.OrderStatus)
	}
	if _, err := workflow.DecideManualCheck(ctx, check.CheckId, models.DecisionOutcomeReject, "late"); !errors.Is(err, workflow.ErrAlreadyDecided) {
		t.Fatalf("second decision must fail with ErrAlreadyDecided, got %v", err)
	}

	// A held redis order lock makes a second taker fail fast with a conflict.
	releaseLock, err := utils.OrderLock(ctx, businessId, order.ID, "workflow", "test")
	if err != nil {
		t.Fatalf("OrderLock: %v", err)
	}
	if _, err := utils.OrderLock(ctx, businessId, order.ID, "workflow", "test"); !errors.Is(err, utils.ErrorConflict) {
		t.Fatalf("contended order lock must surface a conflict, got %v", err)
	}
	releaseLock()

	// The per-order advisory lock must be free once the workflows committed.
	// IS_USED_LOCK names the holding connection, so a lock leaked on a pooled
	// session shows up here no matter which connection runs the probe.
	for _, id := range []int{order.ID, other.ID} {
		lockName := fmt.Sprintf("order:%s:%d", businessId, id)
		var holder *int
		if err := config.GetDB().Raw("SELECT IS_USED_LOCK(?)", lockName).Scan(&holder).Error; err != nil {
			t.Fatalf("IS_USED_LOCK(%s): %v", lockName, err)
		}
		if holder != nil {
			t.Fatalf("posting lock %s still held by connection %d after commit", lockName, *holder)
		}
	}
}

func TestAmendmentCancellationRetry(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "orders_test")
	t.Setenv("OUTBOX_DISPATCHER_DISABLED", "true")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	businessId := "biz-amendment-test"
	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, businessId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Reviewer")
	ctx = utils.SetUserRoleInContext(ctx, string(models.UserRoleAdmin))

	order, err := models.CreateOrder(ctx, models.NewOrder{
		Channel:        "tiktok",
		ExpectedAmount: decimal.RequireFromString("75.00"),
		Items:          []models.NewOrderItem{{Sku: "SKU-9", Name: "Thing", Qty: 1, UnitPrice: decimal.RequireFromString("75.00")}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	submitted, err := workflow.SubmitAmendment(ctx, models.NewOrderAmendment{
		OrderId:    order.ID,
		ReasonType: string(models.AmendmentReasonCustomerCancelled),
		IsCancel:   true,
	})
	if err != nil {
		t.Fatalf("SubmitAmendment: %v", err)
	}

	// Only one pending request per order.
	if _, err := workflow.SubmitAmendment(ctx, models.NewOrderAmendment{
		OrderId:    order.ID,
		ReasonType: string(models.AmendmentReasonCustomerCancelled),
		IsCancel:   true,
	}); !errors.Is(err, workflow.ErrPendingAmendmentExists) {
		t.Fatalf("second pending amendment must be rejected, got %v", err)
	}

	// Approval with a broken downstream leaves the amendment approved and
	// retryable; the order is untouched.
	fulfillment := &fakeFulfillment{fail: true}
	workflow.Fulfillment = fulfillment
	decided, err := workflow.DecideAmendment(ctx, submitted.AmendmentId, models.DecisionOutcomeApprove, "")
	if err != nil {
		t.Fatalf("DecideAmendment: %v", err)
	}
	if decided.Status != models.AmendmentStatusApproved {
		t.Fatalf("amendment must stay approved after execution failure, got %s", decided.Status)
	}
	if decided.ExecuteError == "" {
		t.Fatal("expected execute error recorded")
	}
	current, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.Status == models.OrderStatusCancelled {
		t.Fatal("order must not be cancelled while downstream failed")
	}

	// Retry with a healthy downstream executes exactly once.
	fulfillment.fail = false
	executed, err := workflow.ExecuteAmendment(ctx, submitted.AmendmentId)
	if err != nil {
		t.Fatalf("ExecuteAmendment retry: %v", err)
	}
	if executed.Status != models.AmendmentStatusExecuted {
		t.Fatalf("expected executed, got %s", executed.Status)
	}
	if executed.OrderStatus != models.OrderStatusCancelled {
		t.Fatalf("expected order Cancelled, got %s", executed.OrderStatus)
	}
	if len(fulfillment.calls) != 2 {
		t.Fatalf("expected 2 cancel calls (failed + retry), got %d", len(fulfillment.calls))
	}
	for _, no := range fulfillment.calls {
		if no != submitted.AmendmentNo {
			t.Fatalf("cancel must always carry the amendment number, got %q", no)
		}
	}

	// A further execute is a no-op returning the executed record.
	again, err := workflow.ExecuteAmendment(ctx, submitted.AmendmentId)
	if err != nil {
		t.Fatalf("ExecuteAmendment idempotent: %v", err)
	}
	if again.Status != models.AmendmentStatusExecuted {
		t.Fatalf("expected executed on repeat, got %s", again.Status)
	}
	if len(fulfillment.calls) != 2 {
		t.Fatalf("executed amendment must not call downstream again, got %d calls", len(fulfillment.calls))
	}

	// Amendment numbers are allocated from a per-order series, so rejecting
	// and resubmitting back-to-back (same wall-clock second) must yield a
	// fresh sequential number, not a pending-exists conflict.
	second, err := models.CreateOrder(ctx, models.NewOrder{
		Channel:        "tiktok",
		ExpectedAmount: decimal.RequireFromString("30.00"),
		Items:          []models.NewOrderItem{{Sku: "SKU-10", Name: "Other", Qty: 1, UnitPrice: decimal.RequireFromString("30.00")}},
	})
	if err != nil {
		t.Fatalf("CreateOrder(second): %v", err)
	}
	first, err := workflow.SubmitAmendment(ctx, models.NewOrderAmendment{
		OrderId:    second.ID,
		ReasonType: string(models.AmendmentReasonOther),
		IsCancel:   true,
	})
	if err != nil {
		t.Fatalf("SubmitAmendment(second order): %v", err)
	}
	if _, err := workflow.DecideAmendment(ctx, first.AmendmentId, models.DecisionOutcomeReject, "mistyped"); err != nil {
		t.Fatalf("DecideAmendment(reject): %v", err)
	}
	resubmitted, err := workflow.SubmitAmendment(ctx, models.NewOrderAmendment{
		OrderId:    second.ID,
		ReasonType: string(models.AmendmentReasonOther),
		IsCancel:   true,
	})
	if err != nil {
		t.Fatalf("resubmit after reject: %v", err)
	}
	if resubmitted.AmendmentNo == first.AmendmentNo {
		t.Fatalf("resubmitted amendment reused number %q", first.AmendmentNo)
	}
	if !strings.HasSuffix(first.AmendmentNo, "-01") || !strings.HasSuffix(resubmitted.AmendmentNo, "-02") {
		t.Fatalf("amendment numbers must be sequential, got %q then %q", first.AmendmentNo, resubmitted.AmendmentNo)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=orders_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
