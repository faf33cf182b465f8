package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		resource string
		token    string
		want     string
	}{
		{
			name:     "no token hashes as undefined",
			url:      "https://api.example.com/mcp",
			resource: "https://api.example.com/mcp",
			want:     "ea1e9e6e1b1e61c74ad6fe5c31a24dfdac4232953da4061606e58c3148125363",
		},
		{
			name:     "query and fragment are dropped",
			url:      "https://api.example.com/mcp?session=1#frag",
			resource: "https://api.example.com/mcp",
			want:     "ea1e9e6e1b1e61c74ad6fe5c31a24dfdac4232953da4061606e58c3148125363",
		},
		{
			name:     "token is part of the key",
			url:      "https://api.example.com/mcp",
			resource: "https://api.example.com/mcp",
			token:    "tok-123",
			want:     "e3c0852a019f53f59f130460e32892f0ec33a8bc7020e01ad6637a612aa05ca9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdempotencyKey(tt.url, tt.resource, tt.token))
		})
	}
}
