package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

func TestWhatsAppService_SendTextCanonicalizesAndEmitsReceipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendText(context.Background(), "+229 90 00 00 01", "hello"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	sent := mockClient.SentTexts()
	if len(sent) != 1 || sent[0].To != "22990000001" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "22990000001" || receipt.Status != models.StatusTypeSent {
			t.Errorf("unexpected receipt %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendAudio(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendAudio(context.Background(), "22990000001", []byte("ogg"), "audio/ogg; codecs=opus"); err != nil {
		t.Fatalf("SendAudio returned error: %v", err)
	}
	if len(mockClient.Audios) != 1 || mockClient.Audios[0].MimeType != "audio/ogg; codecs=opus" {
		t.Errorf("unexpected audio sends %+v", mockClient.Audios)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected before Stop")
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Messages(); ok {
		t.Error("expected messages channel closed")
	}
	if svc.IsConnected() {
		t.Error("stopped service must report disconnected")
	}
	if err := svc.SendText(context.Background(), "22990000001", "x"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func newMessageEvent(sender string, msg *waE2E.Message) *events.Message {
	jid := types.NewJID(sender, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: jid, Chat: jid},
			ID:            "3EB0ABC",
			PushName:      "Koffi",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestParseMessage(t *testing.T) {
	text, ok := ParseMessage(newMessageEvent("22990000001", &waE2E.Message{Conversation: proto.String("bonjour")}))
	if !ok || text.From != "+22990000001" || text.Text != "bonjour" || text.ID != "3EB0ABC" || text.Name != "Koffi" {
		t.Errorf("unexpected text message %+v", text)
	}

	ext, ok := ParseMessage(newMessageEvent("22990000001", &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("danger ici")},
	}))
	if !ok || ext.Text != "danger ici" || ext.ContentType != models.ContentText {
		t.Errorf("unexpected extended message %+v", ext)
	}

	img, ok := ParseMessage(newMessageEvent("22990000001", &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Caption: proto.String("fissure"), URL: proto.String("https://mmg.whatsapp.net/i/1")},
	}))
	if !ok || img.ContentType != models.ContentImage || img.Text != "fissure" || img.MediaRef == "" {
		t.Errorf("unexpected image message %+v", img)
	}

	audio, ok := ParseMessage(newMessageEvent("22990000001", &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{URL: proto.String("https://mmg.whatsapp.net/a/1")},
	}))
	if !ok || audio.ContentType != models.ContentAudio {
		t.Errorf("unexpected audio message %+v", audio)
	}

	own := newMessageEvent("22990000001", &waE2E.Message{Conversation: proto.String("x")})
	own.Info.IsFromMe = true
	if _, ok := ParseMessage(own); ok {
		t.Error("own messages must be ignored")
	}
	group := newMessageEvent("22990000001", &waE2E.Message{Conversation: proto.String("x")})
	group.Info.IsGroup = true
	if _, ok := ParseMessage(group); ok {
		t.Error("group messages must be ignored")
	}
	if _, ok := ParseMessage(newMessageEvent("22990000001", &waE2E.Message{})); ok {
		t.Error("empty message must be ignored")
	}
}
