package telemetry

import (
	"context"
	"strings"

	"github.com/tradingcore/agent/internal/domain"
)

// SendAndLog sends text over ch and logs a deterministic
// attempt/ok/error trio to tel. tel may be nil (no-op logging); ch may
// not be nil. Returns the channel-assigned message ID on success.
func SendAndLog(ctx context.Context, ch domain.ReportingChannel, chatID, text string, tel *Logger, corr Correlation) (string, error) {
	norm := strings.TrimSpace(text)
	hash := stableHash(norm)

	tel.Emit("TELEGRAM_SEND_ATTEMPT", "INFO", "TELEGRAM", "send attempt", EmitOpts{
		Correlation: corr,
		Payload:     map[string]interface{}{"chat_id": chatID, "message_hash": hash, "text_len": len(norm)},
	})

	msgID, err := ch.SendText(ctx, chatID, norm)
	if err != nil {
		corr.TelegramChatID = chatID
		tel.Emit("TELEGRAM_SEND_ERROR", "ERROR", "TELEGRAM", err.Error(), EmitOpts{
			Correlation: corr,
			Payload:     map[string]interface{}{"chat_id": chatID, "message_hash": hash},
		})
		return "", err
	}

	corr.TelegramChatID = chatID
	corr.TelegramMessageID = msgID
	tel.Emit("TELEGRAM_SEND_OK", "INFO", "TELEGRAM", "send ok", EmitOpts{
		Correlation: corr,
		Payload:     map[string]interface{}{"chat_id": chatID, "message_hash": hash},
	})
	return msgID, nil
}
