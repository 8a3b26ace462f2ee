package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		kind model.ChangeKind
		key  string
		want string
	}{
		{model.ChangeMessageInserted, "", "live.message_inserted.*"},
		{model.ChangeConversationTouched, "c1", "live.conversation_touched.c1"},
		{model.ChangeSubjectUpdated, "a.b c*>", "live.subject_updated.a_b_c__"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.kind, tt.key))
	}
}
