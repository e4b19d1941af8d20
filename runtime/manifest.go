package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/enclaved-org/enclaved/interfaces"
)

// Release-channel labels an image publisher embeds in the image config.
const (
	LabelSigners       = "org.enclaved.signers"
	LabelRepo          = "org.enclaved.repo"
	LabelUpgradeRelays = "org.enclaved.relays"
	LabelVersion       = "org.enclaved.version"
)

// ParseImageLabels extracts the release-channel labels from an image
// config label map.
func ParseImageLabels(labels map[string]string) (*interfaces.ImageLabels, error) {
	out := &interfaces.ImageLabels{
		Repo:    labels[LabelRepo],
		Version: labels[LabelVersion],
	}
	for _, s := range strings.Split(labels[LabelSigners], ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		pk, err := interfaces.NewPubkey(s)
		if err != nil {
			return nil, fmt.Errorf("bad signer label %q: %w", s, err)
		}
		out.Signers = append(out.Signers, pk)
	}
	for _, r := range strings.Split(labels[LabelUpgradeRelays], ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			out.UpgradeRelays = append(out.UpgradeRelays, r)
		}
	}
	return out, nil
}

// RegistryInspector fetches image manifests and config labels straight
// from the image registry, without pulling layers. Used for launch
// admission (declared size) and for validating upgrade candidates.
type RegistryInspector struct {
	client *http.Client
}

// NewRegistryInspector creates an inspector with a bounded HTTP client.
func NewRegistryInspector() *RegistryInspector {
	return &RegistryInspector{client: &http.Client{Timeout: 30 * time.Second}}
}

type manifestDoc struct {
	Config struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"config"`
	Layers []struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"layers"`
}

type configDoc struct {
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// Manifest fetches the image manifest and returns the config digest and
// the summed declared layer size.
func (ri *RegistryInspector) Manifest(ctx context.Context, imageRef string) (*interfaces.ImageManifest, error) {
	doc, err := ri.fetchManifest(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, l := range doc.Layers {
		size += l.Size
	}
	return &interfaces.ImageManifest{ConfigDigest: doc.Config.Digest, LayerSize: size}, nil
}

// Labels fetches the image config blob and parses its release labels.
func (ri *RegistryInspector) Labels(ctx context.Context, imageRef string) (*interfaces.ImageLabels, error) {
	doc, err := ri.fetchManifest(ctx, imageRef)
	if err != nil {
		return nil, err
	}

	named, _, _, err := splitRef(imageRef)
	if err != nil {
		return nil, err
	}

	blobURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s",
		registryHost(named), reference.Path(named), doc.Config.Digest)
	body, err := ri.get(ctx, blobURL, "application/json", named)
	if err != nil {
		return nil, fmt.Errorf("fetching image config: %w", err)
	}

	var cfg configDoc
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("parsing image config: %w", err)
	}
	return ParseImageLabels(cfg.Config.Labels)
}

func (ri *RegistryInspector) fetchManifest(ctx context.Context, imageRef string) (*manifestDoc, error) {
	named, tag, digest, err := splitRef(imageRef)
	if err != nil {
		return nil, err
	}

	ref := digest
	if ref == "" {
		ref = tag
	}
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registryHost(named), reference.Path(named), ref)

	accept := strings.Join([]string{
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
	}, ", ")
	body, err := ri.get(ctx, url, accept, named)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if doc.Config.Digest == "" {
		return nil, fmt.Errorf("manifest for %s has no config digest", imageRef)
	}
	return &doc, nil
}

var challengeRe = regexp.MustCompile(`(realm|service|scope)="([^"]*)"`)

// get performs an authenticated registry GET, following the anonymous
// token flow on a 401 challenge.
func (ri *RegistryInspector) get(ctx context.Context, url, accept string, named reference.Named) ([]byte, error) {
	body, status, challenge, err := ri.doGet(ctx, url, accept, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		return body, nil
	}
	if status != http.StatusUnauthorized || challenge == "" {
		return nil, fmt.Errorf("registry returned status %d", status)
	}

	token, err := ri.fetchToken(ctx, challenge, named)
	if err != nil {
		return nil, err
	}
	body, status, _, err = ri.doGet(ctx, url, accept, token)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", status)
	}
	return body, nil
}

func (ri *RegistryInspector) doGet(ctx context.Context, url, accept, token string) (body []byte, status int, challenge string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ri.client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, "", err
	}
	return body, resp.StatusCode, resp.Header.Get("WWW-Authenticate"), nil
}

func (ri *RegistryInspector) fetchToken(ctx context.Context, challenge string, named reference.Named) (string, error) {
	params := map[string]string{}
	for _, m := range challengeRe.FindAllStringSubmatch(challenge, -1) {
		params[m[1]] = m[2]
	}
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("unsupported auth challenge %q", challenge)
	}

	url := fmt.Sprintf("%s?service=%s&scope=repository:%s:pull",
		realm, params["service"], reference.Path(named))
	body, status, _, err := ri.doGet(ctx, url, "application/json", "")
	if err != nil {
		return "", fmt.Errorf("fetching registry token: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("registry token endpoint returned status %d", status)
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		return "", fmt.Errorf("parsing registry token: %w", err)
	}
	return tok.Token, nil
}

func splitRef(imageRef string) (named reference.Named, tag, digest string, err error) {
	ref, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return nil, "", "", fmt.Errorf("parsing image ref %q: %w", imageRef, err)
	}
	named = ref
	tag = "latest"
	if tagged, ok := ref.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	if digested, ok := ref.(reference.Digested); ok {
		digest = digested.Digest().String()
	}
	return named, tag, digest, nil
}

func registryHost(named reference.Named) string {
	host := reference.Domain(named)
	if host == "docker.io" {
		return "registry-1.docker.io"
	}
	return host
}
