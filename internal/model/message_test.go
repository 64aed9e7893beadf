package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.presence/internal/errors"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name     string
		kind     MessageKind
		content  string
		songRef  string
		imageRef string
		ok       bool
	}{
		{"text", MessageKindText, "hi", "", "", true},
		{"blank text", MessageKindText, "   \n", "", "", false},
		{"image with ref", MessageKindImage, "", "", "img://1", true},
		{"image without ref", MessageKindImage, "caption", "", "", false},
		{"song with ref", MessageKindSong, "listen", "song-9", "", true},
		{"song without ref", MessageKindSong, "listen", "", "", false},
		{"unknown kind", MessageKind("voice"), "hi", "", "", false},
		{"too long", MessageKindText, strings.Repeat("a", MaxContentLength+1), "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.kind, tt.content, tt.songRef, tt.imageRef)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed), "got %v", err)
			}
		})
	}
}

func TestApplyReaction_ReplacesSameUser(t *testing.T) {
	var reactions []Reaction
	reactions = ApplyReaction(reactions, Reaction{UserID: "U2", Type: ReactionLike})
	reactions = ApplyReaction(reactions, Reaction{UserID: "U3", Type: ReactionSad})
	reactions = ApplyReaction(reactions, Reaction{UserID: "U2", Type: ReactionLove})

	require.Len(t, reactions, 2)
	assert.Equal(t, Reaction{UserID: "U3", Type: ReactionSad}, reactions[0])
	assert.Equal(t, Reaction{UserID: "U2", Type: ReactionLove}, reactions[1])
}

func TestMessage_CloneDoesNotShareReactions(t *testing.T) {
	m := &Message{ID: 1, Reactions: []Reaction{{UserID: "U1", Type: ReactionWow}}}
	c := m.Clone()
	c.Reactions[0].Type = ReactionAngry
	assert.Equal(t, ReactionWow, m.Reactions[0].Type)
}

func TestMessage_JSONIDsAsStrings(t *testing.T) {
	m := &Message{
		ID:              7262537812377600001,
		ConversationKey: "dm:U1:U2",
		SenderID:        "U1",
		ReceiverID:      "U2",
		Content:         "hi",
		Kind:            MessageKindText,
		ParentMessageID: 42,
		Reactions:       []Reaction{},
		CreatedAt:       time.Unix(0, 0).UTC(),
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":"7262537812377600001"`)
	assert.Contains(t, string(raw), `"parentMessageId":"42"`)
	assert.NotContains(t, string(raw), "playlistId")
}
