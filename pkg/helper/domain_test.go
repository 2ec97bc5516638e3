package helper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shortlinker/shortlinker/pkg/helper"
)

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://news.ycombinator.com/item?id=1", "ycombinator.com"},
		{"https://www.google.com/search", "google.com"},
		{"http://sub.example.co.uk/path", "example.co.uk"},
		{"https://example.com:8443/", "example.com"},
		{"https://EXAMPLE.COM", "example.com"},
		{"http://localhost:3000/", "localhost"},
		{"not a url at all", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, helper.RegistrableDomain(tt.in))
		})
	}
}
