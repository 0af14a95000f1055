package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/internal/catalog"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey   = "auth_claims"
	storeRefContextKey = "pos_store_ref"
	bearerPrefix       = "Bearer "
)

// Ledger is the engine surface the facade calls into.
type Ledger interface {
	Earn(ctx context.Context, memberID loyalty.MemberID, amount loyalty.Points, source string, idempotencyKey loyalty.IdempotencyKey) (loyalty.LedgerResult, error)
	Redeem(ctx context.Context, memberID loyalty.MemberID, rewardID loyalty.RewardID, storeRef string, idempotencyKey loyalty.IdempotencyKey) (loyalty.LedgerResult, error)
	Adjust(ctx context.Context, memberID loyalty.MemberID, delta loyalty.Points, reasonCode loyalty.ReasonCode, actorRef loyalty.ActorRef) (loyalty.LedgerResult, error)
	Summary(ctx context.Context, memberID loyalty.MemberID) (loyalty.Summary, error)
	History(ctx context.Context, memberID loyalty.MemberID, cursor loyalty.Cursor, limit int) ([]loyalty.Entry, loyalty.Cursor, error)
}

// TierStore persists administrator tier replacements.
type TierStore interface {
	ReplaceTiers(ctx context.Context, tiers []loyalty.Tier) error
}

// Dependencies carries the collaborators the facade serves.
type Dependencies struct {
	Logger    *zap.Logger
	Ledger    Ledger
	Tiers     *loyalty.TierTable
	TierStore TierStore
	Rewards   *catalog.Catalog
}

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger: deps.Logger,
		cfg:    cfg,
		ledger: deps.Ledger,
		tiers:  deps.Tiers,
		tierDB: deps.TierStore,
		cat:    deps.Rewards,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("loyalty api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/summary", handler.handleSummary)
	api.GET("/history", handler.handleHistory)
	api.POST("/redeem", handler.handleRedeem)

	pos := router.Group("/pos")
	pos.Use(posAuthMiddleware([]byte(cfg.POSSigningKey)))
	pos.POST("/earn", handler.handleEarn)

	admin := router.Group("/admin")
	admin.Use(validator.GinMiddleware(claimsContextKey))
	admin.Use(requireRole(cfg.AdminRole))
	admin.POST("/adjust", handler.handleAdjust)
	admin.GET("/tiers", handler.handleListTiers)
	admin.PUT("/tiers", handler.handleReplaceTiers)
	admin.GET("/rewards", handler.handleListRewards)
	admin.POST("/rewards", handler.handleCreateReward)
	admin.PATCH("/rewards/:id", handler.handlePatchReward)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	cfg    Config
	ledger Ledger
	tiers  *loyalty.TierTable
	tierDB TierStore
	cat    *catalog.Catalog
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	memberID, ok := handler.sessionMember(ctx)
	if !ok {
		return
	}
	summary, err := handler.ledger.Summary(ctx.Request.Context(), memberID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":         summary.Balance.Int64(),
		"lifetime_earned": summary.LifetimeEarned.Int64(),
		"tier":            tierPayloadFrom(summary.Tier),
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	memberID, ok := handler.sessionMember(ctx)
	if !ok {
		return
	}
	cursor, err := loyalty.ParseCursor(ctx.Query("cursor"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "malformed cursor"))
		return
	}
	limit := 0
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	entries, next, err := handler.ledger.History(ctx.Request.Context(), memberID, cursor, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries":     payload,
		"next_cursor": next.String(),
	})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	memberID, ok := handler.sessionMember(ctx)
	if !ok {
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rewardID, err := loyalty.NewRewardID(request.RewardID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reward_id", "reward_id is required"))
		return
	}
	idempotencyKey, ok := handler.optionalKey(ctx, request.IdempotencyKey)
	if !ok {
		return
	}
	result, err := handler.ledger.Redeem(ctx.Request.Context(), memberID, rewardID, request.StoreRef, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayloadFrom(result))
}

func (handler *httpHandler) handleEarn(ctx *gin.Context) {
	storeRef := ctx.GetString(storeRefContextKey)
	var request earnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, err := loyalty.NewMemberID(request.MemberID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_member_id", "member_id is required"))
		return
	}
	amount, err := loyalty.NewEarnAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	idempotencyKey, ok := handler.optionalKey(ctx, request.IdempotencyKey)
	if !ok {
		return
	}
	source := request.Source
	if source == "" {
		source = storeRef
	}
	result, err := handler.ledger.Earn(ctx.Request.Context(), memberID, amount, source, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayloadFrom(result))
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, err := loyalty.NewMemberID(request.MemberID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_member_id", "member_id is required"))
		return
	}
	delta, err := loyalty.NewAdjustmentAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be non-zero"))
		return
	}
	reasonCode, err := loyalty.NewReasonCode(request.ReasonCode)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason_code", "reason_code is required"))
		return
	}
	actorRef, err := loyalty.NewActorRef(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	result, err := handler.ledger.Adjust(ctx.Request.Context(), memberID, delta, reasonCode, actorRef)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayloadFrom(result))
}

func (handler *httpHandler) handleListTiers(ctx *gin.Context) {
	tiers := handler.tiers.Tiers()
	payload := make([]tierPayload, 0, len(tiers))
	for _, tier := range tiers {
		payload = append(payload, tierPayloadFrom(tier))
	}
	ctx.JSON(http.StatusOK, gin.H{"tiers": payload})
}

func (handler *httpHandler) handleReplaceTiers(ctx *gin.Context) {
	var request tiersRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	tiers := make([]loyalty.Tier, 0, len(request.Tiers))
	for _, tier := range request.Tiers {
		tiers = append(tiers, loyalty.Tier{
			Name:      tier.Name,
			Threshold: loyalty.Points(tier.Threshold),
			Benefits:  tier.Benefits,
		})
	}
	// Validate against a scratch table first, then persist, then swap the
	// live snapshot. In-flight resolves keep the old set until the swap.
	if _, err := loyalty.NewTierTable(tiers); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("tier_configuration", err.Error()))
		return
	}
	if err := handler.tierDB.ReplaceTiers(ctx.Request.Context(), tiers); err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.tiers.Replace(tiers); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.handleListTiers(ctx)
}

func (handler *httpHandler) handleListRewards(ctx *gin.Context) {
	rewards, err := handler.cat.ListRewards(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]rewardPayload, 0, len(rewards))
	for _, reward := range rewards {
		payload = append(payload, rewardPayloadFrom(reward))
	}
	ctx.JSON(http.StatusOK, gin.H{"rewards": payload})
}

func (handler *httpHandler) handleCreateReward(ctx *gin.Context) {
	var request rewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reward, err := handler.cat.CreateReward(ctx.Request.Context(), loyalty.Reward{
		Name:        request.Name,
		Description: request.Description,
		PointCost:   loyalty.Points(request.PointCost),
		Active:      true,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, rewardPayloadFrom(reward))
}

func (handler *httpHandler) handlePatchReward(ctx *gin.Context) {
	rewardID, err := loyalty.NewRewardID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reward_id", "reward id is required"))
		return
	}
	var request rewardPatchRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reward, err := handler.cat.UpdateReward(ctx.Request.Context(), rewardID, gormstore.RewardUpdate{
		Name:        request.Name,
		Description: request.Description,
		PointCost:   request.PointCost,
		Active:      request.Active,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, rewardPayloadFrom(reward))
}

func (handler *httpHandler) sessionMember(ctx *gin.Context) (loyalty.MemberID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return loyalty.MemberID{}, false
	}
	memberID, err := loyalty.NewMemberID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return loyalty.MemberID{}, false
	}
	return memberID, true
}

func (handler *httpHandler) optionalKey(ctx *gin.Context, raw string) (loyalty.IdempotencyKey, bool) {
	if strings.TrimSpace(raw) == "" {
		return loyalty.IdempotencyKey{}, true
	}
	key, err := loyalty.NewIdempotencyKey(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", "idempotency_key must be non-empty"))
		return loyalty.IdempotencyKey{}, false
	}
	return key, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("ledger call failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, loyalty.ErrInvalidAmount),
		errors.Is(err, loyalty.ErrInvalidMemberID),
		errors.Is(err, loyalty.ErrInvalidRewardID),
		errors.Is(err, loyalty.ErrInvalidReasonCode),
		errors.Is(err, loyalty.ErrInvalidActorRef),
		errors.Is(err, loyalty.ErrInvalidCursor),
		errors.Is(err, loyalty.ErrInvalidReward):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, loyalty.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, loyalty.ErrInvalidAdjustment):
		return http.StatusConflict, "invalid_adjustment"
	case errors.Is(err, loyalty.ErrMemberNotFound):
		return http.StatusNotFound, "member_not_found"
	case errors.Is(err, loyalty.ErrRewardNotFound):
		return http.StatusNotFound, "reward_not_found"
	case errors.Is(err, loyalty.ErrRewardInactive):
		return http.StatusUnprocessableEntity, "reward_inactive"
	case errors.Is(err, loyalty.ErrTierConfiguration):
		return http.StatusInternalServerError, "tier_configuration"
	default:
		return http.StatusBadGateway, "ledger_error"
	}
}

func posAuthMiddleware(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(header, bearerPrefix), func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token missing subject"))
			return
		}
		ctx.Set(storeRefContextKey, subject)
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, userRole := range claims.GetUserRoles() {
			if userRole == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type earnRequest struct {
	MemberID       string `json:"member_id"`
	Amount         int64  `json:"amount"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key"`
}

type redeemRequest struct {
	RewardID       string `json:"reward_id"`
	StoreRef       string `json:"store_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

type adjustRequest struct {
	MemberID   string `json:"member_id"`
	Amount     int64  `json:"amount"`
	ReasonCode string `json:"reason_code"`
}

type tiersRequest struct {
	Tiers []tierPayload `json:"tiers"`
}

type rewardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PointCost   int64  `json:"point_cost"`
}

type rewardPatchRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	PointCost   *int64  `json:"point_cost"`
	Active      *bool   `json:"active"`
}

type tierPayload struct {
	Name      string `json:"name"`
	Threshold int64  `json:"threshold"`
	Benefits  string `json:"benefits"`
}

type rewardPayload struct {
	RewardID    string `json:"reward_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PointCost   int64  `json:"point_cost"`
	Active      bool   `json:"active"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	RewardID       string `json:"reward_id,omitempty"`
	Source         string `json:"source,omitempty"`
	ReasonCode     string `json:"reason_code,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type resultPayload struct {
	EntryID        string      `json:"entry_id"`
	Balance        int64       `json:"balance"`
	LifetimeEarned int64       `json:"lifetime_earned"`
	Tier           tierPayload `json:"tier"`
	Replayed       bool        `json:"replayed"`
}

func tierPayloadFrom(tier loyalty.Tier) tierPayload {
	return tierPayload{
		Name:      tier.Name,
		Threshold: tier.Threshold.Int64(),
		Benefits:  tier.Benefits,
	}
}

func rewardPayloadFrom(reward loyalty.Reward) rewardPayload {
	return rewardPayload{
		RewardID:    reward.RewardID,
		Name:        reward.Name,
		Description: reward.Description,
		PointCost:   reward.PointCost.Int64(),
		Active:      reward.Active,
	}
}

func entryPayloadFrom(entry loyalty.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		RewardID:       entry.RewardID,
		Source:         entry.Source,
		ReasonCode:     entry.ReasonCode,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func resultPayloadFrom(result loyalty.LedgerResult) resultPayload {
	return resultPayload{
		EntryID:        result.EntryID,
		Balance:        result.Balance.Int64(),
		LifetimeEarned: result.LifetimeEarned.Int64(),
		Tier:           tierPayloadFrom(result.Tier),
		Replayed:       result.Replayed,
	}
}
