package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLocal(t *testing.T) {
	conn := Connection{ID: "c1", ServerID: "srv-a", SocketID: "s1"}

	assert.True(t, conn.Local("srv-a"))
	assert.False(t, conn.Local("srv-b"))
	assert.False(t, conn.Local(""))
}

func TestTargetConstructors(t *testing.T) {
	conn := Connection{ID: "c1", ServerID: "srv-a"}

	ct := ToConnection(conn)
	assert.Equal(t, TargetConnection, ct.Kind)
	assert.Equal(t, conn, ct.Connection)

	tt := ToTopic("lobby")
	assert.Equal(t, TargetTopic, tt.Kind)
	assert.Equal(t, "lobby", tt.Topic)

	ut := ToUser("alice")
	assert.Equal(t, TargetUser, ut.Kind)
	assert.Equal(t, "alice", ut.User)
}

func TestTargetKindString(t *testing.T) {
	assert.Equal(t, "connection", TargetConnection.String())
	assert.Equal(t, "topic", TargetTopic.String())
	assert.Equal(t, "user", TargetUser.String())
	assert.Equal(t, "unknown", TargetKind(99).String())
}

func TestExecutionKey(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want string
	}{
		{
			name: "connection target",
			job:  Job{Target: ToConnection(Connection{ID: "c1"})},
			want: "conn:c1",
		},
		{
			name: "topic target",
			job:  Job{Target: ToTopic("lobby")},
			want: "topic:lobby",
		},
		{
			name: "user target",
			job:  Job{Target: ToUser("alice")},
			want: "user:alice",
		},
		{
			name: "zero target",
			job:  Job{Target: Target{Kind: TargetKind(99)}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.ExecutionKey())
		})
	}
}

func TestExecutionKeyDistinguishesKinds(t *testing.T) {
	// A topic and a user sharing a name must not share an ordering key.
	topicJob := Job{Target: ToTopic("alice")}
	userJob := Job{Target: ToUser("alice")}

	assert.NotEqual(t, topicJob.ExecutionKey(), userJob.ExecutionKey())
}

func TestJobRoundTrip(t *testing.T) {
	job := Job{
		Target: ToTopic("lobby"),
		Events: []Event{
			{Type: "chat", Subtype: "text", Payload: json.RawMessage(`{"msg":"hi"}`), ScopeID: "lobby"},
		},
		Blacklist: []Connection{{ID: "c1", ServerID: "srv-a"}},
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job, decoded)
}
