package crdt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchWireFormat(t *testing.T) {
	sid, err := ParseSessionID("0190b5a4-1111-7000-8000-000000000001")
	require.NoError(t, err)

	patch := NewPatch(
		&InsOperation{
			OpID:  LogicalTimestamp{SID: sid, Counter: 1},
			After: HeadID,
			Value: "hi",
		},
		&DelOperation{
			OpID:    LogicalTimestamp{SID: sid, Counter: 3},
			Targets: []LogicalTimestamp{{SID: sid, Counter: 2}},
		},
	)

	data, err := EncodeUpdate(patch)
	require.NoError(t, err)

	want := fmt.Sprintf(`{
		"ops": [
			{"op":"ins","id":{"sid":%q,"cnt":1},"after":{"sid":%q,"cnt":0},"value":"hi"},
			{"op":"del","id":{"sid":%q,"cnt":3},"ids":[{"sid":%q,"cnt":2}]}
		]
	}`, sid, NilSessionID, sid, sid)
	assert.JSONEq(t, want, string(data))

	var decoded Patch
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Operations(), 2)
	assert.Equal(t, OpInsert, decoded.Operations()[0].Type())
	assert.Equal(t, OpDelete, decoded.Operations()[1].Type())
}

func TestPatchRejectsInvalidOperations(t *testing.T) {
	sid := NewSessionID()

	cases := []string{
		fmt.Sprintf(`{"ops":[{"op":"ins","id":{"sid":%q,"cnt":1},"after":{"sid":%q,"cnt":0},"value":""}]}`, sid, NilSessionID),
		fmt.Sprintf(`{"ops":[{"op":"del","id":{"sid":%q,"cnt":1},"ids":[]}]}`, sid),
		fmt.Sprintf(`{"ops":[{"op":"cset","id":{"sid":%q,"cnt":1},"key":"","record":{"id":"c1","author":"a","content":"x"}}]}`, sid),
		fmt.Sprintf(`{"ops":[{"op":"cdel","id":{"sid":%q,"cnt":1},"key":""}]}`, sid),
	}
	for _, raw := range cases {
		var patch Patch
		assert.Error(t, json.Unmarshal([]byte(raw), &patch), raw)
	}
}

func TestPatchTouchesComments(t *testing.T) {
	sid := NewSessionID()

	text := NewPatch(&InsOperation{
		OpID:  LogicalTimestamp{SID: sid, Counter: 1},
		After: HeadID,
		Value: "x",
	})
	assert.False(t, text.TouchesComments())

	text.AddOperation(&CommentDeleteOperation{
		OpID: LogicalTimestamp{SID: sid, Counter: 2},
		Key:  "c1",
	})
	assert.True(t, text.TouchesComments())
}
