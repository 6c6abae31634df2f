package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"chatpipe/internal/message"
)

func parentDir(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i <= 0 {
		return "."
	}
	return path[:i]
}

func formatMessage(m message.Message) string {
	var body string
	switch m.Kind {
	case message.KindVoice:
		body = fmt.Sprintf("[voice %ds]", m.AudioDuration)
	default:
		body = m.Content
	}

	line := fmt.Sprintf("%s  %-8s %s: %s",
		m.CreatedAt.Local().Format(time.DateTime), m.EffectiveStatus(), m.SenderID, body)
	if m.IsFailed() {
		line += fmt.Sprintf("  (id %s: %s)", m.ID, m.ErrorDetail)
	}
	return line
}

func printMessages(w io.Writer, msgs []message.Message, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, m := range msgs {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range msgs {
		if _, err := fmt.Fprintln(w, formatMessage(m)); err != nil {
			return err
		}
	}
	return nil
}
