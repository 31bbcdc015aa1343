package controller

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/auth"
	"github.com/hashvault/ms-go-billing/app/factory"
	"github.com/hashvault/ms-go-billing/app/mapper"
	"github.com/hashvault/ms-go-billing/app/service"
	"github.com/hashvault/ms-go-billing/app/types"
)

type BillingController struct {
	billingService *service.BillingService
	logger         logrus.FieldLogger
}

func NewBillingController(billingService *service.BillingService) *BillingController {
	return &BillingController{
		billingService: billingService,
		logger:         factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *BillingController) CreateCheckout(ctx echo.Context) error {
	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		return c.writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	req, err := types.NewCreateCheckoutRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.billingService.CreateCheckout(ctx.Request().Context(), principal.ExternalID, principal.Email, principal.Role, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrProviderUnsupported):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrPlanNotFound):
			return c.writeError(ctx, http.StatusNotFound, "plan not found")
		case errors.Is(err, service.ErrCheckoutInProgress), errors.Is(err, service.ErrSubscriptionExists):
			return c.writeError(ctx, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrProviderUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Create checkout failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusCreated, &types.CheckoutResponse{
		OrderID:        result.Order.ID,
		CorrelationKey: result.CorrelationKey,
		CheckoutURL:    result.CheckoutURL,
		PaymentAddress: result.PaymentAddress,
	})
}

func (c *BillingController) ListOrders(ctx echo.Context) error {
	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		return c.writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	req, err := types.NewListRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.billingService.ListOrders(ctx.Request().Context(), principal.ExternalID, req)
	if err != nil {
		c.logger.WithError(err).Error("List orders failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListOrdersResponse{Orders: mapper.OrdersToResponse(items)})
}

func (c *BillingController) ListSubscriptions(ctx echo.Context) error {
	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		return c.writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	items, err := c.billingService.ListSubscriptions(ctx.Request().Context(), principal.ExternalID)
	if err != nil {
		c.logger.WithError(err).Error("List subscriptions failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListSubscriptionsResponse{Subscriptions: mapper.SubscriptionsToResponse(items)})
}

func (c *BillingController) CancelSubscription(ctx echo.Context) error {
	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		return c.writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	req, err := types.NewCancelSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.CancelSubscription(ctx.Request().Context(), principal.ExternalID, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSubscriptionNotFound):
			return c.writeError(ctx, http.StatusNotFound, "subscription not found")
		case errors.Is(err, service.ErrInvalidStatus):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrProviderUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, err.Error())
		default:
			c.logger.WithError(err).Error("Cancel subscription failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, mapper.SubscriptionToResponse(item))
}

// HandleProviderWebhook feeds a raw provider callback into reconciliation. A
// 2xx is returned only after the event's effects or its parked record are
// durable, so provider retries redeliver anything lost.
func (c *BillingController) HandleProviderWebhook(ctx echo.Context) error {
	providerName := ctx.Param("provider")

	payload, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "failed to read request body")
	}

	err = c.billingService.ProcessWebhook(ctx.Request().Context(), providerName, payload, webhookSignature(ctx, providerName))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProviderUnsupported):
			return c.writeError(ctx, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrWebhookRejected):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("provider", providerName).Error("Webhook processing failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook processed"})
}

func (c *BillingController) HandleIdentityWebhook(ctx echo.Context) error {
	payload, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "failed to read request body")
	}

	signature := ctx.Request().Header.Get("X-Identity-Signature")
	err = c.billingService.ProcessIdentityWebhook(ctx.Request().Context(), payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookRejected), errors.Is(err, service.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		default:
			c.logger.WithError(err).Error("Identity webhook processing failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Identity event processed"})
}

func (c *BillingController) FulfillOrder(ctx echo.Context) error {
	orderID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || orderID == 0 {
		return c.writeError(ctx, http.StatusBadRequest, "invalid order id")
	}

	item, err := c.billingService.FulfillOrder(ctx.Request().Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			return c.writeError(ctx, http.StatusNotFound, "order not found")
		case errors.Is(err, service.ErrInvalidStatus):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		default:
			c.logger.WithError(err).Error("Fulfill order failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, mapper.OrderToResponse(item))
}

func (c *BillingController) ListParkedEvents(ctx echo.Context) error {
	req, err := types.NewListRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.billingService.ListParkedEvents(ctx.Request().Context(), req.Limit)
	if err != nil {
		c.logger.WithError(err).Error("List parked events failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListParkedEventsResponse{ParkedEvents: mapper.ParkedEventsToResponse(items)})
}

func webhookSignature(ctx echo.Context, providerName string) string {
	switch providerName {
	case "stripe":
		return ctx.Request().Header.Get("Stripe-Signature")
	case "nowpayments":
		return ctx.Request().Header.Get("X-Nowpayments-Sig")
	default:
		return ""
	}
}

func (c *BillingController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
