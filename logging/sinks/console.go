package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"skirmish/client/logging"
)

// ConsoleSink renders events as single log lines.
type ConsoleSink struct {
	logger *log.Logger
}

// NewConsoleSink writes formatted events to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags)}
}

// Write implements logging.Sink.
func (s *ConsoleSink) Write(event logging.Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.Printf("[%s] epoch=%d%s subject=%s severity=%s%s",
		event.Type, event.Epoch, formatSeq(event.Seq), formatSubject(event.Subject), event.Severity, formatPayload(event.Payload))
	return nil
}

// Close implements logging.Sink.
func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatSeq(seq uint64) string {
	if seq == 0 {
		return ""
	}
	return fmt.Sprintf(" seq=%d", seq)
}

func formatSubject(subject logging.Subject) string {
	if subject.Kind == logging.SubjectEntity {
		return fmt.Sprintf("%s:%d(slot %d)", subject.Kind, subject.ServerID, subject.Slot)
	}
	if subject.Kind == "" {
		return "-"
	}
	return string(subject.Kind)
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
