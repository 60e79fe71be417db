package telegram

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"bumpcast/internal/provider"
)

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
	statusRe     = regexp.MustCompile(`\((\d{3})\)\s*$`)
)

// mapError translates a Bot API failure into a *provider.Error. telebot
// reports some failures as typed errors and others as formatted strings, so
// the description text is what gets matched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.Wrap(provider.CodeTransient, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return provider.Wrap(provider.CodeTransient, err)
	}

	msg := strings.ToLower(err.Error())
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := statusRe.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return provider.Flood(time.Duration(secs) * time.Second)
	}

	switch {
	case code == 401 || strings.Contains(msg, "unauthorized"):
		return provider.Wrap(provider.CodeUnauthorized, err)
	case strings.Contains(msg, "slowmode") || strings.Contains(msg, "slow mode"):
		return provider.Wrap(provider.CodeSlowMode, err)
	case strings.Contains(msg, "topic_closed") || strings.Contains(msg, "topic closed"):
		return provider.Wrap(provider.CodeTopicClosed, err)
	case strings.Contains(msg, "message is too long") || strings.Contains(msg, "caption is too long"):
		return provider.Wrap(provider.CodeMessageTooLong, err)
	case strings.Contains(msg, "chat_admin_required") || strings.Contains(msg, "need administrator rights"):
		return provider.Wrap(provider.CodeAdminRequired, err)
	case strings.Contains(msg, "kicked") || strings.Contains(msg, "banned"):
		return provider.Wrap(provider.CodeBanned, err)
	case strings.Contains(msg, "not enough rights") || strings.Contains(msg, "chat_write_forbidden") ||
		strings.Contains(msg, "have no rights to send"):
		return provider.Wrap(provider.CodeWriteForbidden, err)
	case strings.Contains(msg, "chat not found") || strings.Contains(msg, "peer_id_invalid") ||
		strings.Contains(msg, "group chat was upgraded"):
		return provider.Wrap(provider.CodeInvalidPeer, err)
	case strings.Contains(msg, "private") || strings.Contains(msg, "not a member"):
		return provider.Wrap(provider.CodePrivate, err)
	case code == 429:
		return provider.Flood(time.Second)
	case code >= 500 || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "timeout"):
		return provider.Wrap(provider.CodeTransient, err)
	case code == 403:
		return provider.Wrap(provider.CodeWriteForbidden, err)
	}
	return provider.Wrap(provider.CodeOther, err)
}
