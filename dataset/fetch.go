package dataset

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// Fetcher は URL の中身を取得します。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s の取得に失敗しました: bad status: %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// CacheFetcher は Dir に同名のファイルがあればそれを読み、無ければ Next で取得して保存します。
type CacheFetcher struct {
	Dir  string
	Next Fetcher
}

func cacheName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("URL %s からファイル名を決められません。", rawURL)
	}
	return name, nil
}

func (f CacheFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	name, err := cacheName(rawURL)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(f.Dir, name)

	if data, err := os.ReadFile(p); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	log.Printf("Downloading %s...", rawURL)
	data, err := f.Next.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return nil, err
	}
	// キャッシュには完全なファイルしか置かない
	tmp, err := os.CreateTemp(f.Dir, name+".*.tmp")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return data, nil
}
