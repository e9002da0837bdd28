package transport

import (
	"context"

	"github.com/clipberry/clipberry/internal/logging"
	"github.com/clipberry/clipberry/internal/model"
)

// ItemHandler is the narrow receive contract injected by the orchestrator.
// blob carries the decoded binary payload for image items, nil otherwise.
type ItemHandler func(ctx context.Context, item model.ClipboardItem, blob []byte, senderID string)

// runSession drives one session's receive loop until the peer closes or a
// fatal error occurs, then removes the session from the registry. Faults
// stay local to this session; no reconnection is attempted here.
func runSession(ctx context.Context, sess *Session, registry *Registry, onItem ItemHandler, logger logging.Logger) {
	log := logger.With("module", "transport", "peer", sess.DeviceID, "direction", sess.Direction)

	defer func() {
		registry.Remove(sess)
		_ = sess.Close()
		log.Info(ctx, "session closed")
	}()

	for {
		msg, err := sess.receive()
		if err != nil {
			log.Debug(ctx, "receive loop ended", "error", err)
			return
		}

		switch msg.Type {
		case MessageClipboardItem:
			item, blob, err := msg.Item()
			if err != nil {
				// Malformed frame: tear this session down, others
				// are unaffected.
				log.Warn(ctx, "malformed clipboard item", "error", err)
				return
			}

			onItem(ctx, item, blob, sess.DeviceID)

			// Informational only; no delivery guarantee is built on it.
			if err := sess.Send(&Message{Type: MessageAck, ItemID: item.ID}); err != nil {
				log.Debug(ctx, "failed to send ack", "error", err)
			}

		case MessagePing:
			if err := sess.Send(&Message{Type: MessagePong}); err != nil {
				log.Debug(ctx, "failed to send pong", "error", err)
			}

		case MessagePong:
			log.Debug(ctx, "pong received")

		case MessageAck:
			log.Debug(ctx, "ack received", "item_id", msg.ItemID)

		case MessageRequestItem:
			// Reserved in the protocol, not implemented.
			log.Warn(ctx, "unsupported message", "type", msg.Type)

		default:
			log.Warn(ctx, "unsupported message", "type", msg.Type)
		}
	}
}
