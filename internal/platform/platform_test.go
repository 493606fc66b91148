package platform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBenign(t *testing.T) {
	assert.True(t, IsBenign(nil))
	assert.True(t, IsBenign(errors.New("Bad Request: message to delete not found")))
	assert.True(t, IsBenign(fmt.Errorf("unban: %w", errors.New("HTTP 404 Not Found, {\"message\": \"Unknown Ban\", \"code\": 10026}"))))
	assert.False(t, IsBenign(errors.New("Bad Request: not enough rights to restrict/unrestrict chat member")))
	assert.False(t, IsBenign(ErrUnsupported))
}
