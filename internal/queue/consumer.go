package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// UsageLogFile is the file under the log directory that consumed events are
// appended to.
const UsageLogFile = "token_usage.log"

// StartTokenUsageConsumer connects to RabbitMQ, declares the token.consumed
// queue (durable) and appends every message to logDir/token_usage.log in a
// single-line format.  It reconnects with backoff until ctx is cancelled,
// which is the only way it returns.  A message that cannot be handled is
// rejected without requeue so the consumer keeps going.
func StartTokenUsageConsumer(ctx context.Context, url, logDir string, log *slog.Logger) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("usage-consumer: failed to dial broker", slog.Any("err", err), slog.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, logDir, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("usage-consumer: consume loop ended, reconnecting", slog.Any("err", err))
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, logDir string, log *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("usage-consumer: set QoS failed", slog.Any("err", err))
	}
	if _, err := ch.QueueDeclare(TokenConsumedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(TokenConsumedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(logDir, d.Body); err != nil {
				log.Error("usage-consumer: handle message failed", slog.Any("err", err))
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(logDir string, body []byte) error {
	var ev TokenConsumedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Code == "" || ev.UsageID == "" {
		return errors.New("event without code or usage id")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", logDir, err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, UsageLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	meta := "{}"
	if len(ev.Metadata) > 0 {
		meta = string(ev.Metadata)
	}
	line := fmt.Sprintf("[%s] Token consumed | code=%s | name=%q | usage_id=%s | purpose=%q | used=%d/%d | remaining=%d | metadata=%s\n",
		ev.UsedAt, ev.Code, ev.Name, ev.UsageID, ev.Purpose, ev.UsageCount, ev.UsageLimit, ev.RemainingUses, meta)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
