package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// OperationNonMCP is the operation of requests that are not JSON-RPC calls.
const OperationNonMCP = "NON_MCP"

// MaxOperationBodyBytes is the largest request body GetOperation classifies.
const MaxOperationBodyBytes = 4 << 20

// ErrBodyTooLarge is returned by GetOperation for bodies over
// MaxOperationBodyBytes. Such requests cannot be priced.
var ErrBodyTooLarge = errors.New("request body too large")

// replayBody serves the bytes already consumed followed by the rest of the
// original body, and closes the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

// GetOperation names the operation a request performs. Non-POST requests and
// bodies that are not a JSON-RPC request are OperationNonMCP. A call with
// params.name, such as tools/call, is "{method}:{name}". The request body is
// left readable in full, including when an error is returned.
func GetOperation(r *http.Request) (string, error) {
	if r.Method != http.MethodPost || r.Body == nil || r.Body == http.NoBody {
		return OperationNonMCP, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxOperationBodyBytes+1))
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), r.Body), Closer: r.Body}
	if err != nil {
		return OperationNonMCP, err
	}
	if len(body) > MaxOperationBodyBytes {
		return OperationNonMCP, ErrBodyTooLarge
	}

	var msg struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.Method == "" {
		return OperationNonMCP, nil
	}
	if msg.Params.Name != "" {
		return msg.Method + ":" + msg.Params.Name, nil
	}
	return msg.Method, nil
}
