package apclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

var (
	UserAgent = "Quarry/1.0 (+https://github.com/quarryforge/quarry)"
)

var tracer = otel.Tracer("apclient")

// maxRedirects bounds HTTP-level redirect following during dereference.
const maxRedirects = 5

const requestTimeout = 20 * time.Second

// ApClient performs signed HTTP requests against remote instances.
type ApClient struct {
	mc     *memcache.Client
	config types.ApConfig
	http   *http.Client
}

func NewApClient(
	mc *memcache.Client,
	config types.ApConfig,
) *ApClient {
	return &ApClient{
		mc:     mc,
		config: config,
		http: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.Wrap(types.ErrRemoteUnavailable, "too many redirects")
				}
				return nil
			},
		},
	}
}

func keyID(signer types.Actor) string {
	return signer.ActorApID() + vocab.KeyFragment
}

// FetchObject GETs an apub document. When signer is non-nil the request is
// signed, which some instances require even for reads.
func (c *ApClient) FetchObject(ctx context.Context, uri string, signer types.Actor) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "FetchObject")
	defer span.End()

	// try cache
	if c.mc != nil {
		cache, err := c.mc.Get(uri)
		if err == nil {
			obj, err := types.LoadAsRawApObj(cache.Value)
			if err == nil {
				return obj, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, err.Error())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", vocab.ContentTypeActivity)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)

	if signer != nil && signer.PrivateKeyPem() != "" {
		priv, err := store.LoadPrivateKey(signer)
		if err != nil {
			log.Println(err)
			return nil, err
		}

		prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
		digestAlgorithm := httpsig.DigestSha256
		headersToSign := []string{httpsig.RequestTarget, "date", "host"}
		signerFn, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
		if err != nil {
			log.Println(err)
			return nil, errors.Wrap(types.ErrInternal, err.Error())
		}
		err = signerFn.SignRequest(priv, keyID(signer), req, nil)
		if err != nil {
			log.Println(err)
			return nil, errors.Wrap(types.ErrInternal, err.Error())
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(types.ErrRemoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(types.ErrRemoteUnavailable, "GET %s: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(types.ErrRemoteUnavailable, err.Error())
	}

	obj, err := types.LoadAsRawApObj(body)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, err.Error())
	}

	// cache
	if c.mc != nil {
		objBytes, err := json.Marshal(obj.GetData())
		if err == nil {
			c.mc.Set(&memcache.Item{
				Key:        uri,
				Value:      objBytes,
				Expiration: 1800, // 30 minutes
			})
		}
	}

	return obj, nil
}

// ResolveActor resolves an actor apub id from handle notation. Handles take
// the form user@host or user/repo@host for repository actors.
func ResolveActor(ctx context.Context, handle string) (string, error) {
	ctx, span := tracer.Start(ctx, "ResolveActor")
	defer span.End()

	if len(handle) > 0 && handle[0] == '@' {
		handle = handle[1:]
	}

	split := strings.Split(handle, "@")
	if len(split) != 2 {
		return "", errors.Wrapf(types.ErrMalformed, "invalid handle %q", handle)
	}

	domain := split[1]

	targetlink := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	var webfinger types.WebFinger
	req, err := http.NewRequestWithContext(ctx, "GET", targetlink, nil)
	if err != nil {
		return "", errors.Wrap(types.ErrMalformed, err.Error())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", vocab.ContentTypeJRD)
	req.Header.Set("User-Agent", UserAgent)
	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(types.ErrRemoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	err = json.Unmarshal(body, &webfinger)
	if err != nil {
		return "", errors.Wrap(types.ErrMalformed, err.Error())
	}

	var aplink types.WebFingerLink
	for _, link := range webfinger.Links {
		if link.Rel == "self" {
			aplink = link
		}
	}

	if aplink.Href == "" {
		return "", errors.Wrapf(types.ErrNotFound, "no ap link for %q", handle)
	}

	return aplink.Href, nil
}

// PostRawToInbox delivers a prepared activity body to a remote inbox,
// signing (request-target) host date digest with the sending actor's key.
// The body is posted byte for byte, which keeps forwarded envelopes intact.
func (c *ApClient) PostRawToInbox(ctx context.Context, inbox string, body []byte, signer types.Actor) error {
	ctx, span := tracer.Start(ctx, "PostRawToInbox")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewBuffer(body))
	if err != nil {
		return errors.Wrap(types.ErrMalformed, err.Error())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Content-Type", vocab.ContentTypeActivity)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	priv, err := store.LoadPrivateKey(signer)
	if err != nil {
		log.Println(err)
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "host", "date", "digest"}
	signerFn, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		log.Println(err)
		return errors.Wrap(types.ErrInternal, err.Error())
	}
	err = signerFn.SignRequest(priv, keyID(signer), req, body)
	if err != nil {
		log.Println(err)
		return errors.Wrap(types.ErrInternal, err.Error())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(types.ErrRemoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Println(err)
	}
	log.Printf("POST %s [%d]: %s", inbox, resp.StatusCode, string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return errors.Wrap(types.ErrRemoteUnavailable, fmt.Sprintf("error posting to inbox: %d", resp.StatusCode))
	}

	return nil
}

// PostToInbox marshals an activity and delivers it.
func (c *ApClient) PostToInbox(ctx context.Context, inbox string, object any, signer types.Actor) error {
	objectBytes, err := json.Marshal(object)
	if err != nil {
		return errors.Wrap(types.ErrInternal, err.Error())
	}
	return c.PostRawToInbox(ctx, inbox, objectBytes, signer)
}
