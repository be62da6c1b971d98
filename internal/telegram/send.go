package telegram

import (
	"context"
	"path/filepath"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/iencode/iencode/internal/mediaclient"
)

const uploadPartSize = 512 * 1024

func (c *Client) SendStatus(ctx context.Context, chatID int64, text string) (mediaclient.MessageRef, error) {
	sent, err := c.tgCtx.SendMessage(chatID, &tg.MessagesSendMessageRequest{Message: text})
	if err != nil {
		return mediaclient.MessageRef{}, mapPlatformError(err)
	}

	return mediaclient.MessageRef{ChatID: chatID, MessageID: int64(sent.ID)}, nil
}

func (c *Client) EditStatus(ctx context.Context, ref mediaclient.MessageRef, text string) error {
	_, err := c.tgCtx.EditMessage(ref.ChatID, &tg.MessagesEditMessageRequest{
		ID:      int(ref.MessageID),
		Message: text,
	})

	return mapPlatformError(err)
}

func (c *Client) DeleteStatus(ctx context.Context, ref mediaclient.MessageRef) error {
	err := c.tgCtx.DeleteMessages(ref.ChatID, []int{int(ref.MessageID)})
	return mapPlatformError(err)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.tgCtx.SendMessage(chatID, &tg.MessagesSendMessageRequest{Message: text})
	return mapPlatformError(err)
}

// SendDocument uploads the artifact chunk by chunk and binds it to the
// chat as a document with the given caption and (optional) thumbnail.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path string, thumbPath string, caption string, progress mediaclient.ProgressFunc) error {
	up := uploader.NewUploader(c.api).WithPartSize(uploadPartSize)
	if progress != nil {
		up = up.WithProgress(progressAdapter{callback: progress})
	}

	file, err := up.FromPath(ctx, path)
	if err != nil {
		return mapPlatformError(err)
	}

	media := &tg.InputMediaUploadedDocument{
		File:     file,
		MimeType: "video/x-matroska",
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
		},
	}

	if thumbPath != "" {
		thumb, err := uploader.NewUploader(c.api).FromPath(ctx, thumbPath)
		if err != nil {
			log.Warnf("Failed to upload thumbnail %s: %s\n", thumbPath, err.Error())
		} else {
			media.SetThumb(thumb)
		}
	}

	_, err = c.tgCtx.SendMedia(chatID, &tg.MessagesSendMediaRequest{
		Media:   media,
		Message: caption,
	})

	return mapPlatformError(err)
}

// progressAdapter bridges the uploader's chunk callbacks to the pipeline's
// byte-level progress signature.
type progressAdapter struct {
	callback mediaclient.ProgressFunc
}

func (p progressAdapter) Chunk(_ context.Context, state uploader.ProgressState) error {
	p.callback(state.Uploaded, state.Total)
	return nil
}
