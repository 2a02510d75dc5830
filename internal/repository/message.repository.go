package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyOutcome says what ApplyStatus did to the stored record.
type ApplyOutcome int

const (
	ApplyNotFound ApplyOutcome = iota
	// ApplyUnchanged means the status did not move; missing timestamps may
	// still have been filled in.
	ApplyUnchanged
	ApplyTransitioned
)

// StatusUpdate is one observation of a message's remote state.
type StatusUpdate struct {
	Status       model.MessageStatus
	OccurredAt   time.Time
	ErrorCode    string
	ErrorMessage string
	// InterimID is the local id the record carried before the gateway
	// answered. When set, a record still under it is matched too and
	// takes the gateway id.
	InterimID    string
}

type MessageRepository struct {
	*pg.DB
	now func() time.Time
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		DB:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

// CreateIfAbsent inserts msg unless a record with the same gateway id
// exists. It returns the stored record and whether this call created it.
func (r *MessageRepository) CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	entity := toMessageEntity(msg)
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}

	res := r.Write(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "gateway_message_id"}}, DoNothing: true}).
		Create(entity)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return toMessageModel(entity), true, nil
	}

	existing, err := r.FindByGatewayID(ctx, msg.GatewayMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *MessageRepository) FindByGatewayID(ctx context.Context, gatewayID string) (*model.Message, error) {
	return r.findOne(ctx, "gateway_message_id = ?", gatewayID)
}

// FindByAnyID resolves either an internal id or a gateway id.
func (r *MessageRepository) FindByAnyID(ctx context.Context, id string) (*model.Message, error) {
	return r.findOne(ctx, "id = ? OR gateway_message_id = ?", id, id)
}

func (r *MessageRepository) findOne(ctx context.Context, where string, args ...any) (*model.Message, error) {
	var e MessageEntity
	err := r.Read(ctx).Where(where, args...).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toMessageModel(&e), nil
}

// MarkSending moves a queued record to sending right before the first
// gateway attempt.
func (r *MessageRepository) MarkSending(ctx context.Context, id string) error {
	return r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status_rank < ?", id, model.MessageStatusSending.Rank()).
		Updates(map[string]any{
			"status":      model.MessageStatusSending,
			"status_rank": model.MessageStatusSending.Rank(),
			"updated_at":  r.now(),
		}).Error
}

// MarkSent stores the gateway-assigned id and moves the record to sent.
func (r *MessageRepository) MarkSent(ctx context.Context, id, gatewayID string, at time.Time) (*model.Message, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status_rank < ?", id, model.MessageStatusSent.AdvanceCeiling()).
		Updates(map[string]any{
			"gateway_message_id": gatewayID,
			"status":             model.MessageStatusSent,
			"status_rank":        model.MessageStatusSent.Rank(),
			"sent_at":            gorm.Expr("COALESCE(sent_at, ?)", at),
			"updated_at":         r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// a callback already moved the record past sent; keep its status
		// but store the gateway id so later callbacks find it
		sentAt := gorm.Expr("CASE WHEN status_rank >= ? THEN sent_at ELSE COALESCE(sent_at, ?) END",
			model.MessageStatusFailed.Rank(), at)
		res = r.Write(ctx).Model(&MessageEntity{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"gateway_message_id": gatewayID,
				"sent_at":            sentAt,
				"updated_at":         r.now(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
	}
	return r.FindByID(ctx, id)
}

// MarkFailed records a terminal submission failure. It does not override a
// record that already reached read or a failure state.
func (r *MessageRepository) MarkFailed(ctx context.Context, id, code, message string, at time.Time) (*model.Message, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status_rank < ?", id, model.MessageStatusFailed.AdvanceCeiling()).
		Updates(map[string]any{
			"status":        model.MessageStatusFailed,
			"status_rank":   model.MessageStatusFailed.Rank(),
			"error_code":    code,
			"error_message": message,
			"failed_at":     gorm.Expr("COALESCE(failed_at, ?)", at),
			"updated_at":    r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return r.FindByID(ctx, id)
}

// ApplyStatus advances the record identified by gatewayID to u.Status when
// the state machine allows it. Both branches are single conditional
// statements, so concurrent callbacks for one message cannot interleave a
// read with a write.
func (r *MessageRepository) ApplyStatus(ctx context.Context, gatewayID string, u StatusUpdate) (ApplyOutcome, error) {
	if !u.Status.Valid() {
		return ApplyUnchanged, errors.New("unknown status " + string(u.Status))
	}
	at := u.OccurredAt
	if at.IsZero() {
		at = r.now()
	}
	col := u.Status.TimestampColumn()

	updates := map[string]any{
		"status":      u.Status,
		"status_rank": u.Status.Rank(),
		"updated_at":  r.now(),
	}
	if col != "" {
		updates[col] = gorm.Expr("COALESCE("+col+", ?)", at)
	}
	if u.Status.IsFailure() {
		updates["error_code"] = u.ErrorCode
		updates["error_message"] = u.ErrorMessage
	}
	match := func(db *gorm.DB) *gorm.DB {
		if u.InterimID == "" || u.InterimID == gatewayID {
			return db.Where("gateway_message_id = ?", gatewayID)
		}
		return db.Where("gateway_message_id IN ?", []string{gatewayID, u.InterimID})
	}
	if u.InterimID != "" {
		updates["gateway_message_id"] = gatewayID
	}

	res := r.Write(ctx).Model(&MessageEntity{}).Scopes(match).
		Where("status_rank < ?", u.Status.AdvanceCeiling()).
		Updates(updates)
	if res.Error != nil {
		return ApplyUnchanged, res.Error
	}
	if res.RowsAffected > 0 {
		return ApplyTransitioned, nil
	}

	// stale or duplicate: only fill what was never recorded
	additive := map[string]any{"updated_at": r.now()}
	if col != "" && !u.Status.IsFailure() {
		additive[col] = gorm.Expr("COALESCE("+col+", ?)", at)
	}
	if u.InterimID != "" {
		additive["gateway_message_id"] = gatewayID
	}
	res = r.Write(ctx).Model(&MessageEntity{}).Scopes(match).
		Updates(additive)
	if res.Error != nil {
		return ApplyUnchanged, res.Error
	}
	if res.RowsAffected == 0 {
		return ApplyNotFound, nil
	}
	return ApplyUnchanged, nil
}

// ListStale returns outbound records that hold a gateway id, sit in one of
// statuses and have not changed since before. Records created before since
// are left alone. Oldest changes come first.
func (r *MessageRepository) ListStale(ctx context.Context, statuses []model.MessageStatus, before, since time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*MessageEntity
	err := r.Read(ctx).
		Where("direction = ? AND status IN ?", model.DirectionOutbound, statuses).
		Where("updated_at < ? AND created_at >= ?", before, since).
		Where("gateway_message_id NOT LIKE ?", model.InterimIDPrefix+"%").
		Order("updated_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

// ResetForRetry puts a failed record back to queued under a fresh interim
// id. It returns model.ErrNotRetryable when the record is not failed.
func (r *MessageRepository) ResetForRetry(ctx context.Context, id, interimID string) (*model.Message, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status_rank >= ?", id, model.MessageStatusFailed.Rank()).
		Updates(map[string]any{
			"gateway_message_id": interimID,
			"status":             model.MessageStatusQueued,
			"status_rank":        model.MessageStatusQueued.Rank(),
			"error_code":         "",
			"error_message":      "",
			"sent_at":            nil,
			"delivered_at":       nil,
			"read_at":            nil,
			"failed_at":          nil,
			"updated_at":         r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, model.ErrNotRetryable
	}
	return r.FindByID(ctx, id)
}

// MarkRead flags unread inbound messages as read and reports which
// conversations were touched.
func (r *MessageRepository) MarkRead(ctx context.Context, req model.MarkReadRequest) (*model.MarkReadResult, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("direction = ? AND is_read = ?", model.DirectionInbound, false)
		if len(req.IDs) > 0 {
			return db.Where("id IN ?", req.IDs)
		}
		return db.Where("conversation_id = ?", req.ConversationID)
	}

	result := &model.MarkReadResult{}
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.Write(ctx).Model(&MessageEntity{}).Scopes(scope).
			Distinct("conversation_id").Pluck("conversation_id", &result.Conversations).Error; err != nil {
			return err
		}
		res := r.Write(ctx).Model(&MessageEntity{}).Scopes(scope).
			Updates(map[string]any{"is_read": true, "updated_at": r.now()})
		if res.Error != nil {
			return res.Error
		}
		result.Updated = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FindLatestConversation returns the conversation of the most recent message
// exchanged with counterparty, or "" when there is none.
func (r *MessageRepository) FindLatestConversation(ctx context.Context, counterparty string) (string, error) {
	var e MessageEntity
	err := r.Read(ctx).Select("conversation_id").
		Where("(direction = ? AND to_number = ?) OR (direction = ? AND from_number = ?)",
			model.DirectionOutbound, counterparty, model.DirectionInbound, counterparty).
		Order("created_at DESC").
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.ConversationID, nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	q := r.Read(ctx).Model(&MessageEntity{})

	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if f.Direction != nil {
		q = q.Where("direction = ?", *f.Direction)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	page := f.Normalize()
	var entities []*MessageEntity
	if err := q.Order(order).Limit(page.Limit).Offset(page.Offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toMessageModels(entities), total, nil
}
