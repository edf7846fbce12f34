package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	log "github.com/sirupsen/logrus"
	"gopkg.in/cenkalti/backoff.v1"
)

// Telegram refuses to serve files over 20 MB to bots
const maxPhotoSize = 20 * 1024 * 1024

type fileGetter interface {
	GetFile(params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// PhotoDownloader fetches photo bytes by telegram file id.
type PhotoDownloader struct {
	bot        fileGetter
	client     *http.Client
	maxElapsed time.Duration
}

func NewPhotoDownloader(bot *telego.Bot) *PhotoDownloader {
	return newPhotoDownloader(bot, &http.Client{Timeout: 30 * time.Second})
}

func newPhotoDownloader(bot fileGetter, client *http.Client) *PhotoDownloader {
	return &PhotoDownloader{bot: bot, client: client, maxElapsed: 20 * time.Second}
}

func (d *PhotoDownloader) Download(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	var permanent error
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = d.maxElapsed
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			permanent = ctx.Err()
			return nil
		}
		var retry bool
		var err error
		data, retry, err = d.download(ctx, fileID)
		if err != nil && !retry {
			permanent = err
			return nil
		}
		if err != nil {
			log.Warnf("Download: photo %s failed, retrying: %v", fileID, err)
		}
		return err
	}, b)
	if err == nil {
		err = permanent
	}
	if err != nil {
		return nil, fmt.Errorf("Download: %w", err)
	}
	return data, nil
}

// download reports whether a failure is worth retrying.
func (d *PhotoDownloader) download(ctx context.Context, fileID string) ([]byte, bool, error) {
	fileData, err := d.bot.GetFile(&telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, true, err
	}
	if fileData.FileSize > maxPhotoSize {
		return nil, false, fmt.Errorf("photo %s is too big: %d bytes", fileID, fileData.FileSize)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.bot.FileDownloadURL(fileData.FilePath), nil)
	if err != nil {
		return nil, false, err
	}
	response, err := d.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, response.StatusCode >= http.StatusInternalServerError, fmt.Errorf("photo %s: %s", fileID, response.Status)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxPhotoSize))
	return data, true, err
}
