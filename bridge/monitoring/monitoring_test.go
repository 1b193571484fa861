package monitoring

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnconfiguredMonitorIsInert(t *testing.T) {
	m := &apm{}

	txn := m.Start("aggregate-vital-signs")
	assert.Nil(t, txn)

	seg := StartSegment(txn, "heart-rate")
	assert.Nil(t, seg)
	EndSegment(seg)

	NoticeError(txn, goerrors.New("upstream down"))
	m.End(txn)

	ctx := NewContext(context.Background(), txn)
	assert.Nil(t, FromContext(ctx))
}
