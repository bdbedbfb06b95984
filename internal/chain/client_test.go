package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestUnpackErrorString(t *testing.T) {
	assert.Equal(t, "insufficient balance", unpackErrorString(encodeRevert(t, "insufficient balance")))
}

func TestUnpackErrorString_RejectsForeignSelector(t *testing.T) {
	assert.Empty(t, unpackErrorString("0xdeadbeef"))
	assert.Empty(t, unpackErrorString("not hex"))
	assert.Empty(t, unpackErrorString("0x08c379"))
}

func TestDecodeRevertReason_HexEmbeddedInMessage(t *testing.T) {
	err := &fakeCallError{msg: "execution reverted: " + encodeRevert(t, "window closed")}
	assert.Equal(t, "window closed", decodeRevertReason(err))
}

func TestDecodeRevertReason_FallsBackToMessage(t *testing.T) {
	err := &fakeCallError{msg: "execution reverted"}
	assert.Equal(t, "execution reverted", decodeRevertReason(err))
}

type fakeCallError struct {
	msg string
}

func (e *fakeCallError) Error() string { return e.msg }
