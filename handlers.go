package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/models/reports"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/gin-gonic/gin"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorConflict),
		errors.Is(err, workflow.ErrAlreadyDecided),
		errors.Is(err, workflow.ErrPendingAmendmentExists),
		errors.Is(err, workflow.ErrDuplicateEvidence):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrRetryableSubmission):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func signInHandler(c *gin.Context) {
	var input models.SignInInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	token, user, err := models.SignIn(c.Request.Context(), input)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func createUserHandler(c *gin.Context) {
	role, _ := utils.GetUserRoleFromContext(c.Request.Context())
	if models.UserRole(role) != models.UserRoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}
	var input models.NewUser
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	user, err := models.CreateUser(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func createOrderHandler(c *gin.Context) {
	var input models.NewOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	order, err := models.CreateOrder(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func listOrdersHandler(c *gin.Context) {
	var filter models.OrderListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orders, err := models.ListOrders(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func getOrderHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	order, err := models.GetOrder(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type decisionRequest struct {
	Outcome      string `json:"outcome" binding:"required"`
	RejectReason string `json:"reject_reason"`
	Notes        string `json:"notes"`
}

func reviewOrderHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	outcome, err := models.ParseDecisionOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := workflow.ReviewOrder(c.Request.Context(), id, outcome)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func reopenOrderHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := workflow.ReopenOrder(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type fulfillmentRequest struct {
	Status string `json:"status" binding:"required"`
}

func advanceFulfillmentHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req fulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	target, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := workflow.AdvanceFulfillment(c.Request.Context(), id, target)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func submitEvidenceHandler(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input workflow.SubmitEvidenceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	input.OrderId = orderId
	result, err := workflow.SubmitEvidence(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listEvidenceHandler(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	businessId, bok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !bok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "business id is required"})
		return
	}
	if err := utils.ValidateResourceId[models.Order](c.Request.Context(), businessId, orderId); err != nil {
		abortWithError(c, err)
		return
	}
	includeDeleted := c.Query("include_deleted") == "true"
	slips, err := models.GetSlipsByOrder(c.Request.Context(), orderId, includeDeleted)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slips": slips})
}

type removeEvidenceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func removeEvidenceHandler(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	slipId, ok := pathId(c, "slipId")
	if !ok {
		return
	}
	var req removeEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	result, err := workflow.RemoveEvidence(c.Request.Context(), workflow.RemoveEvidenceInput{
		OrderId: orderId,
		SlipId:  slipId,
		Reason:  req.Reason,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func submitManualCheckHandler(c *gin.Context) {
	var input models.NewManualSlipCheck
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	result, err := workflow.SubmitManualCheck(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func listManualChecksHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	checks, err := models.ListManualChecks(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manual_checks": checks})
}

func getManualCheckHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	check, err := models.GetManualCheck(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func editManualCheckHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.EditManualSlipCheck
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	result, err := workflow.EditManualCheck(c.Request.Context(), id, input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func decideManualCheckHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	outcome, err := models.ParseDecisionOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := workflow.DecideManualCheck(c.Request.Context(), id, outcome, req.RejectReason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listRefundsHandler(c *gin.Context) {
	var filter models.RefundListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	refunds, err := models.ListRefunds(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}

func getRefundHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	refund, err := models.GetRefund(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func decideRefundHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	outcome, err := models.ParseDecisionOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := workflow.DecideRefund(c.Request.Context(), id, outcome, req.Notes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func markRefundPaidHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := workflow.MarkRefundPaid(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func submitAmendmentHandler(c *gin.Context) {
	var input models.NewOrderAmendment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	result, err := workflow.SubmitAmendment(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func listAmendmentsHandler(c *gin.Context) {
	orderId, _ := strconv.Atoi(c.Query("order_id"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	amendments, err := models.ListAmendments(c.Request.Context(), orderId, c.Query("status"), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amendments": amendments})
}

func getAmendmentHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	amendment, err := models.GetAmendment(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, amendment)
}

func decideAmendmentHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	outcome, err := models.ParseDecisionOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := workflow.DecideAmendment(c.Request.Context(), id, outcome, req.RejectReason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func executeAmendmentHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := workflow.ExecuteAmendment(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func upsertChannelPrefixHandler(c *gin.Context) {
	var input models.NewChannelNumberPrefix
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	row, err := models.UpsertChannelNumberPrefix(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func refundHistoryReportHandler(c *gin.Context) {
	fromDate, toDate, err := reportWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := reports.GetRefundHistoryReport(c.Request.Context(), fromDate, toDate, c.Query("kind"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if c.Query("format") == "xlsx" {
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=refund-history.xlsx")
		if err := reports.WriteRefundHistoryExcel(c.Writer, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write spreadsheet"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func reportWindow(c *gin.Context) (time.Time, time.Time, error) {
	const layout = "2006-01-02"
	now := time.Now().UTC()
	fromDate := now.AddDate(0, -1, 0)
	toDate := now
	var err error
	if v := c.Query("from_date"); v != "" {
		fromDate, err = time.Parse(layout, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if v := c.Query("to_date"); v != "" {
		toDate, err = time.Parse(layout, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		toDate = toDate.Add(24*time.Hour - time.Nanosecond)
	}
	return fromDate, toDate, nil
}
