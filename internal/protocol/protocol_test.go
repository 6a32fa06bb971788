package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

func frame(t *testing.T, tag, data string) Envelope {
	t.Helper()
	return Envelope{Event: tag, Data: json.RawMessage(data)}
}

func TestDecodeSendMessage(t *testing.T) {
	streamID := uuid.New()
	cmd, err := DecodeCommand(frame(t, CmdSendMessage, `{"stream_id":"`+streamID.String()+`","client_message_id":"c-1","body":"  hello  "}`))
	require.NoError(t, err)

	msg, ok := cmd.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, streamID, msg.Stream())
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, models.KindText, msg.Kind)
	assert.Equal(t, "c-1", msg.ClientMessageID)
}

func TestDecodeCommandRejects(t *testing.T) {
	sid := `"stream_id":"` + uuid.NewString() + `"`
	cases := []struct {
		name string
		env  Envelope
		is   error
	}{
		{"unknown tag", frame(t, "launch_poll", `{`+sid+`}`), apperr.ErrUnknownCommand},
		{"blank body", frame(t, CmdSendMessage, `{`+sid+`,"body":"   "}`), apperr.ErrEmptyMessage},
		{"system kind", frame(t, CmdSendMessage, `{`+sid+`,"body":"x","kind":"system"}`), apperr.ErrForbidden},
		{"missing stream", frame(t, CmdJoinStream, `{}`), nil},
		{"mute without duration", frame(t, CmdMuteUser, `{`+sid+`,"user_id":"`+uuid.NewString()+`"}`), nil},
		{"slow mode zero", frame(t, CmdSetSlowMode, `{`+sid+`,"delay_seconds":0}`), nil},
		{"bad json", frame(t, CmdBanUser, `{"stream_id":`), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := DecodeCommand(tc.env)
			require.Error(t, err)
			assert.Nil(t, cmd)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestCommandEncodeDecode(t *testing.T) {
	in := MuteUser{Base: Base{StreamID: uuid.New()}, UserID: uuid.New(), DurationSeconds: 300}
	env, err := EncodeCommand(in)
	require.NoError(t, err)
	assert.Equal(t, CmdMuteUser, env.Event)
	assert.Contains(t, string(env.Data), `"stream_id"`)

	out, err := DecodeCommand(env)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeEvent(t *testing.T) {
	author := uuid.New()
	in := Message{StreamID: uuid.New(), Message: models.ChatMessage{ID: "m-1", AuthorID: &author, Body: "hi", Kind: models.KindText}}
	env, err := EncodeEvent(in)
	require.NoError(t, err)

	ev, err := DecodeEvent(env)
	require.NoError(t, err)
	msg, ok := ev.(Message)
	require.True(t, ok)
	assert.Equal(t, "m-1", msg.Message.ID)
	assert.True(t, msg.Message.AuthoredBy(author))

	_, err = DecodeEvent(frame(t, "webrtc_offer", `{}`))
	assert.Error(t, err)
}

func TestErrorForHidesCause(t *testing.T) {
	err := apperr.Wrap(apperr.CodeRateLimited, "slow down", assert.AnError)
	ev := ErrorFor(err, "c-9")
	assert.Equal(t, apperr.CodeRateLimited, ev.Code)
	assert.Equal(t, "slow down", ev.Message)
	assert.Equal(t, "c-9", ev.ClientMessageID)
}
