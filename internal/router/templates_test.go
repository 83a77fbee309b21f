package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/channel"
)

func TestRenderCalledCarriesActions(t *testing.T) {
	t.Parallel()
	tpl, err := NewTemplates(nil)
	require.NoError(t, err)

	msg, err := tpl.Render(TemplateData{Type: TypeCalled, EntryID: "e1", DisplayName: "Ana", VerificationCode: "A123"})
	require.NoError(t, err)
	require.Contains(t, msg.Text, "Ana, it's your turn")
	require.Contains(t, msg.Text, "A123")
	require.Len(t, msg.Actions, 2)
	kind, arg, id, ok := channel.DecodeAction(msg.Actions[0].Data)
	require.True(t, ok)
	require.Equal(t, []string{channel.ActionAcknowledge, "on_way", "e1"}, []string{kind, arg, id})

	msg, err = tpl.Render(TemplateData{Type: TypeWarning, EntryID: "e1"})
	require.NoError(t, err)
	require.Empty(t, msg.Actions)
}

func TestRenderFinalWarningDeadline(t *testing.T) {
	t.Parallel()
	tpl, err := NewTemplates(nil)
	require.NoError(t, err)

	msg, err := tpl.Render(TemplateData{Type: TypeFinalWarning, EntryID: "e1", Deadline: time.Date(2026, 1, 1, 14, 7, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Contains(t, msg.Text, "at 14:07")
	require.Len(t, msg.Actions, 2)

	msg, err = tpl.Render(TemplateData{Type: TypeFinalWarning, EntryID: "e1"})
	require.NoError(t, err)
	require.Contains(t, msg.Text, "soon")
}

func TestTemplateOverrides(t *testing.T) {
	t.Parallel()
	tpl, err := NewTemplates(map[string]string{TypeReady: "Order {{.VerificationCode}} is ready"})
	require.NoError(t, err)
	msg, err := tpl.Render(TemplateData{Type: TypeReady, VerificationCode: "B7"})
	require.NoError(t, err)
	require.Equal(t, "Order B7 is ready", msg.Text)

	_, err = NewTemplates(map[string]string{"shout": "x"})
	require.Error(t, err)
	_, err = NewTemplates(map[string]string{TypeReady: "{{.Nope"})
	require.Error(t, err)
}
