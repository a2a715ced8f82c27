package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/harplog/harp/action"
	"github.com/harplog/harp/internal/http/dto"
	"github.com/harplog/harp/internal/middleware"
	"go.uber.org/zap"
)

type ActionReader interface {
	ListByUniqueID(ctx context.Context, uniqueID uint32, limit int) ([]action.Action, error)
	CountByKind(ctx context.Context, kind string) (int64, error)
}

type ActionHandler struct {
	repo ActionReader
	log  *zap.Logger
}

func NewActionHandler(repo ActionReader, log *zap.Logger) *ActionHandler {
	return &ActionHandler{repo: repo, log: log}
}

func (h *ActionHandler) ListByUniqueID(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("uniqueID"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "unique id must be an unsigned 32-bit integer"})
	}

	var q dto.ActionsQuery
	if err := c.QueryParser(&q); err != nil || q.Limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid limit"})
	}
	if q.Limit > dto.MaxActionsLimit {
		q.Limit = dto.MaxActionsLimit
	}

	actions, err := h.repo.ListByUniqueID(c.Context(), uint32(id), q.Limit)
	if err != nil {
		return h.internalError(c, "failed to list actions", err)
	}

	out := make([]dto.ActionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, dto.NewActionResponse(a))
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *ActionHandler) CountByKind(c *fiber.Ctx) error {
	kind := c.Params("kind")
	if kind == "" || len(kind) > action.MaxKindLength {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid kind"})
	}

	n, err := h.repo.CountByKind(c.Context(), kind)
	if err != nil {
		return h.internalError(c, "failed to count actions", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.KindCountResponse{Kind: kind, Count: n}})
}

func (h *ActionHandler) internalError(c *fiber.Ctx, msg string, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	h.log.Error(msg, zap.String("request_id", reqID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}
