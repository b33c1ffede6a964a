package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Scalar accepts a JSON string, number or null and keeps its textual form, so
// malformed values survive decoding and are reported by validation instead.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Scalar(str)
	default:
		*s = Scalar(b)
	}
	return nil
}

// RawRecord is one normalized row handed over by the parsing collaborator.
type RawRecord struct {
	Platform             string `json:"platform" validate:"required"`
	UserID               string `json:"user_id" validate:"required"`
	TransactionID        Scalar `json:"transaction_id" validate:"required"`
	Timestamp            string `json:"timestamp" validate:"required"`
	Amount               Scalar `json:"amount" validate:"required"`
	Direction            string `json:"direction" validate:"required,oneof=inflow outflow neutral"`
	Status               string `json:"status" validate:"required,oneof=success refunded cancelled"`
	Counterparty         string `json:"counterparty"`
	Description          string `json:"description"`
	PaymentMethod        string `json:"payment_method"`
	PlatformCategory     string `json:"platform_category"`
	PlatformTxType       string `json:"platform_tx_type"`
	ExplicitLinkID       Scalar `json:"explicit_link_id"`
	PlatformRefundAmount Scalar `json:"platform_refund_amount"`
}

// DecodeRaw reads either a JSON array or JSON lines of raw records.
func DecodeRaw(r io.Reader) ([]RawRecord, error) {
	var out []RawRecord
	if err := decodeStream(r, func(line int, data []byte) error {
		var rec RawRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("record %d: %w", line, err)
		}
		out = append(out, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("DecodeRaw: %w", err)
	}
	return out, nil
}

// DecodeLedger reads enriched records previously written by EncodeLedger.
func DecodeLedger(r io.Reader) ([]*domain.LedgerRecord, error) {
	var out []*domain.LedgerRecord
	if err := decodeStream(r, func(line int, data []byte) error {
		rec := &domain.LedgerRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("record %d: %w", line, err)
		}
		out = append(out, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("DecodeLedger: %w", err)
	}
	return out, nil
}

// EncodeLedger writes records as an indented JSON array.
func EncodeLedger(w io.Writer, records []*domain.LedgerRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if records == nil {
		records = []*domain.LedgerRecord{}
	}
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("EncodeLedger: %w", err)
	}
	return nil
}

func decodeStream(r io.Reader, each func(line int, data []byte) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	if first == '[' {
		var items []json.RawMessage
		if err := json.NewDecoder(br).Decode(&items); err != nil {
			return fmt.Errorf("decoding array: %w", err)
		}
		for i, item := range items {
			if err := each(i+1, item); err != nil {
				return err
			}
		}
		return nil
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if err := each(line, []byte(text)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n', 0xEF, 0xBB, 0xBF:
			continue
		}
		return b, br.UnreadByte()
	}
}
