package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	Fingerprint string            `json:"fingerprint"`
	ChainID     uint64            `json:"chain_id"`
	Index       int               `json:"index"`
	Total       int               `json:"total"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// FromError 根据错误构建告警事件，错误码与严重级别取自错误注册表。
func FromError(err error, fingerprint string, chainID uint64, index, total int) Event {
	var (
		code     = xerrors.CodeOf(err)
		severity = xerrors.SeverityOf(err)
		meta     map[string]string
	)
	if coded, ok := xerrors.From(err); ok {
		meta = coded.Metadata()
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{
		Code:        code,
		Message:     msg,
		Severity:    severity,
		Fingerprint: fingerprint,
		ChainID:     chainID,
		Index:       index,
		Total:       total,
		Metadata:    meta,
		OccurredAt:  time.Now().UTC(),
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入日志，未配置外部渠道时作为兜底。
type LogNotifier struct {
	Logger *zap.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 以 Error 级别记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Named("alert")
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	fields := []zap.Field{
		zap.String("code", string(event.Code)),
		zap.String("severity", string(event.Severity)),
		zap.String("fingerprint", event.Fingerprint),
		zap.Uint64("chain_id", event.ChainID),
		zap.Int("index", event.Index),
		zap.Int("total", event.Total),
		zap.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	log.Error(event.Message, fields...)
	return nil
}
