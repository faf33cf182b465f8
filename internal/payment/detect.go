package payment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/paymcp/paymcp/pkg/oauth"
)

const (
	// PaymentRequiredPreamble prefixes tool-error text that carries a payment URL.
	PaymentRequiredPreamble = "PayMCP-v1 payment required. Please pay at: "

	// ElicitationRequiredCode is the JSON-RPC error code for URL elicitations.
	ElicitationRequiredCode = -32604

	// PaymentRequiredCode is the JSON-RPC error code for payment-required errors.
	PaymentRequiredCode = -30402
)

var paymentRequestURLRegex = regexp.MustCompile(`(https?://[^\s"'<>]+?)/payment-request/([A-Za-z0-9_.~-]+)`)

// ParsePaymentRequestURL extracts the first payment-request URL in s.
func ParsePaymentRequestURL(s string) *PaymentRequestError {
	m := paymentRequestURLRegex.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	authServer := m[1]
	if origin, err := oauth.Origin(authServer); err == nil {
		authServer = origin
	}
	return &PaymentRequestError{
		ID:                  m[2],
		URL:                 authServer + "/payment-request/" + m[2],
		AuthorizationServer: authServer,
	}
}

type jsonrpcMessage struct {
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Elicitations []struct {
				Mode string `json:"mode"`
				URL  string `json:"url"`
			} `json:"elicitations"`
		} `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

// DetectPaymentRequest inspects a JSON-RPC response body for a payment
// challenge. Bodies may be plain JSON (a message or a batch) or a
// text/event-stream of messages.
func DetectPaymentRequest(body []byte, contentType string) *PaymentRequestError {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "text/event-stream" {
		_, pr, _ := scanEventStream(bytes.NewReader(body), int64(len(body)))
		return pr
	}
	return detectInJSON(body)
}

// scanEventStream reads server-sent events from r as they arrive. It stops at
// the first payment challenge, the first JSON-RPC response, the end of the
// stream or after limit bytes, whichever comes first, and returns every byte
// it consumed from r.
func scanEventStream(r io.Reader, limit int64) ([]byte, *PaymentRequestError, error) {
	var consumed, data bytes.Buffer
	br := bufio.NewReader(io.TeeReader(io.LimitReader(r, limit), &consumed))

	// flush reports whether scanning is over.
	flush := func() (*PaymentRequestError, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		if pr := detectInJSON(data.Bytes()); pr != nil {
			return pr, true
		}
		return nil, isResponse(data.Bytes())
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return consumed.Bytes(), nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && err == nil:
			if pr, done := flush(); done {
				return consumed.Bytes(), pr, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if err == io.EOF {
			pr, _ := flush()
			return consumed.Bytes(), pr, nil
		}
	}
}

// isResponse reports whether body is a JSON-RPC response or a batch.
func isResponse(body []byte) bool {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		return true
	}
	var msg struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return false
	}
	return msg.Result != nil || msg.Error != nil
}

func detectInJSON(body []byte) *PaymentRequestError {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	if body[0] == '[' {
		var batch []jsonrpcMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil
		}
		for i := range batch {
			if pr := detectInMessage(&batch[i]); pr != nil {
				return pr
			}
		}
		return nil
	}

	var msg jsonrpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil
	}
	return detectInMessage(&msg)
}

func detectInMessage(msg *jsonrpcMessage) *PaymentRequestError {
	if msg.Error != nil {
		code := msg.Error.Code
		if code != ElicitationRequiredCode && code != PaymentRequiredCode {
			return nil
		}
		if msg.Error.Data == nil {
			return nil
		}
		for _, e := range msg.Error.Data.Elicitations {
			if e.Mode != "url" {
				continue
			}
			if pr := ParsePaymentRequestURL(e.URL); pr != nil {
				return pr
			}
		}
		return nil
	}

	if msg.Result == nil {
		return nil
	}
	result, err := mcp.ParseCallToolResult(msg.Result)
	if err != nil || !result.IsError {
		return nil
	}
	for _, content := range result.Content {
		text, ok := mcp.AsTextContent(content)
		if !ok || !strings.HasPrefix(text.Text, PaymentRequiredPreamble) {
			continue
		}
		if pr := ParsePaymentRequestURL(strings.TrimPrefix(text.Text, PaymentRequiredPreamble)); pr != nil {
			return pr
		}
	}
	return nil
}
