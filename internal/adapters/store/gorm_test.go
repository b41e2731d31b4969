package store

import (
	"context"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/boardsync/boardsync/internal/core"
)

func TestMapErrFoldsDriverErrors(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(gorm.ErrRecordNotFound), core.ErrNotFound)
	assert.ErrorIs(t, mapErr(context.DeadlineExceeded), core.ErrAdapterTimeout)
	assert.ErrorIs(t, mapErr(context.Canceled), core.ErrAdapterTimeout)
	assert.ErrorIs(t, mapErr(errors.New("connection refused")), core.ErrAdapterUnavailable)
}

func TestMapErrDuplicateKey(t *testing.T) {
	err := mapErr(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'alice' for key 'PRIMARY'"})
	assert.ErrorIs(t, err, core.ErrDuplicateEntry)
	assert.NotErrorIs(t, err, core.ErrAdapterUnavailable)

	// Other driver errors still read as the adapter being unavailable.
	assert.ErrorIs(t, mapErr(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"}), core.ErrAdapterUnavailable)
}
