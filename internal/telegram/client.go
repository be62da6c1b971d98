// Package telegram is the MTProto-backed implementation of the
// mediaclient capability surface. It wraps gotgproto for session and peer
// management and drops to the raw gotd API for chunked byte movement,
// which is how attachments far beyond the bot-API size ceiling are moved.
package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/ext"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Telegram")

const downloadPartSize = 512 * 1024

type (
	Config struct {
		ApiID     int    `yaml:"api_id" env:"TG_API_ID"`
		ApiHash   string `yaml:"api_hash" env:"TG_API_HASH"`
		BotToken  string `yaml:"bot_token" env:"TG_BOT_TOKEN"`
		SessionDB string `yaml:"session_db" env:"TG_SESSION_DB" env-default:"iencode-session.db"`
	}

	Client struct {
		client *gotgproto.Client
		tgCtx  *ext.Context
		api    *tg.Client
	}
)

// Connect authenticates against the platform and blocks until the session
// is usable. The session is persisted so restarts do not re-login.
func Connect(config Config) (*Client, error) {
	client, err := gotgproto.NewClient(
		config.ApiID,
		config.ApiHash,
		gotgproto.ClientTypeBot(config.BotToken),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sqlite.Open(config.SessionDB)),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	tgCtx := client.CreateContext()
	log.Infof("Connected to telegram as @%s\n", client.Self.Username)

	return &Client{
		client: client,
		tgCtx:  tgCtx,
		api:    client.API(),
	}, nil
}

func (c *Client) FetchMessage(ctx context.Context, ref mediaclient.MessageRef) (*mediaclient.Attachment, error) {
	document, err := c.resolveDocument(ref)
	if err != nil {
		return nil, err
	}

	attachment := &mediaclient.Attachment{
		FileSize: document.Size,
		MimeType: document.MimeType,
	}

	for _, attribute := range document.Attributes {
		if filename, ok := attribute.(*tg.DocumentAttributeFilename); ok {
			attachment.FileName = filename.FileName
		}
	}

	if len(document.Thumbs) > 0 {
		attachment.ThumbnailRef = encodeThumbRef(ref)
	}

	return attachment, nil
}

// StreamAttachment exposes the chunked download as a lazy reader. Bytes
// flow through a pipe; the downloader goroutine ends (and surfaces its
// error through the pipe) when the reader is exhausted or closed.
func (c *Client) StreamAttachment(ctx context.Context, ref mediaclient.MessageRef) (io.ReadCloser, error) {
	document, err := c.resolveDocument(ref)
	if err != nil {
		return nil, err
	}

	location := &tg.InputDocumentFileLocation{
		ID:            document.ID,
		AccessHash:    document.AccessHash,
		FileReference: document.FileReference,
	}

	reader, writer := io.Pipe()
	go func() {
		_, err := downloader.NewDownloader().
			WithPartSize(downloadPartSize).
			Download(c.api, location).
			Stream(ctx, writer)
		writer.CloseWithError(mapPlatformError(err))
	}()

	return reader, nil
}

// DownloadThumbnail fetches the largest thumbnail of the referenced
// message's document. Thumb refs are message coordinates rather than file
// handles; file references expire, message coordinates do not.
func (c *Client) DownloadThumbnail(ctx context.Context, thumbRef string, destPath string) error {
	ref, err := decodeThumbRef(thumbRef)
	if err != nil {
		return err
	}

	document, err := c.resolveDocument(ref)
	if err != nil {
		return err
	}

	if len(document.Thumbs) == 0 {
		return fmt.Errorf("message %d carries no thumbnail", ref.MessageID)
	}

	location := &tg.InputDocumentFileLocation{
		ID:            document.ID,
		AccessHash:    document.AccessHash,
		FileReference: document.FileReference,
		ThumbSize:     largestThumbType(document.Thumbs),
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = downloader.NewDownloader().Download(c.api, location).Stream(ctx, out)
	return mapPlatformError(err)
}

// resolveDocument loads the message and unwraps its document media.
func (c *Client) resolveDocument(ref mediaclient.MessageRef) (*tg.Document, error) {
	messages, err := c.tgCtx.GetMessages(ref.ChatID, []tg.InputMessageClass{
		&tg.InputMessageID{ID: int(ref.MessageID)},
	})
	if err != nil {
		return nil, mapPlatformError(err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("message %d not found in chat %d", ref.MessageID, ref.ChatID)
	}

	message, ok := messages[0].(*tg.Message)
	if !ok {
		return nil, fmt.Errorf("message %d carries no document media", ref.MessageID)
	}

	media, ok := message.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, fmt.Errorf("message %d carries no document media", ref.MessageID)
	}

	document, ok := media.Document.AsNotEmpty()
	if !ok {
		return nil, fmt.Errorf("message %d document is empty", ref.MessageID)
	}

	return document, nil
}

func largestThumbType(thumbs []tg.PhotoSizeClass) string {
	thumbType := ""
	largest := 0
	for _, thumb := range thumbs {
		if size, ok := thumb.(*tg.PhotoSize); ok && size.Size > largest {
			largest = size.Size
			thumbType = size.Type
		}
	}

	if thumbType == "" && len(thumbs) > 0 {
		thumbType = thumbs[len(thumbs)-1].GetType()
	}

	return thumbType
}

func encodeThumbRef(ref mediaclient.MessageRef) string {
	return fmt.Sprintf("%d:%d", ref.ChatID, ref.MessageID)
}

func decodeThumbRef(thumbRef string) (mediaclient.MessageRef, error) {
	parts := strings.SplitN(thumbRef, ":", 2)
	if len(parts) != 2 {
		return mediaclient.MessageRef{}, fmt.Errorf("malformed thumbnail ref %q", thumbRef)
	}

	chatID, chatErr := strconv.ParseInt(parts[0], 10, 64)
	messageID, msgErr := strconv.ParseInt(parts[1], 10, 64)
	if chatErr != nil || msgErr != nil {
		return mediaclient.MessageRef{}, fmt.Errorf("malformed thumbnail ref %q", thumbRef)
	}

	return mediaclient.MessageRef{ChatID: chatID, MessageID: messageID}, nil
}

// mapPlatformError rewrites MTProto flood waits into the rate limit error
// the pipeline understands; everything else passes through unchanged.
func mapPlatformError(err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &mediaclient.RateLimitError{RetryAfter: wait + time.Second}
	}

	return err
}
