// whisperctl is the wallet-side client: it holds the ed25519 wallet key,
// runs the decryption signature protocol against a local or Redis-backed
// cache, and talks to the whisperwall API.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"whisperwall/cfg"
	"whisperwall/pkg/domain"
	"whisperwall/pkg/fhe"
	"whisperwall/pkg/sig"
	"whisperwall/svc/db"
	"whisperwall/svc/util"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	c, err := cfg.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	cl, err := newClient(c)
	if err != nil {
		fatal("init client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "address":
		fmt.Println(cl.signer.Address())
	case "post":
		err = cl.post(ctx, args)
	case "get":
		err = cl.get(ctx, args)
	case "vote":
		err = cl.vote(ctx, args)
	case "decrypt":
		err = cl.decrypt(ctx, args)
	case "tally":
		err = cl.tally(ctx, args)
	case "disconnect":
		err = cl.manager.Clear(ctx, cl.signer.Address())
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: whisperctl <command> [flags]

commands:
  address     print this wallet's address
  post        post a whisper
  get         fetch a whisper by id
  vote        cast or change a vote
  decrypt     decrypt an encrypted whisper
  tally       decrypt a whisper's vote tally
  disconnect  drop all cached decryption signatures`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type client struct {
	baseURL string
	http    *http.Client
	signer  *fhe.LocalSigner
	codec   fhe.Codec
	manager *sig.Manager
	cfg     *cfg.Cfg
}

func newClient(c *cfg.Cfg) (*client, error) {
	signer, err := loadSigner()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	codec, err := fhe.NewAdapter(ctx)
	if err != nil {
		return nil, fmt.Errorf("fhe adapter: %w", err)
	}
	var store sig.Store
	if c.RedisURL != "" {
		if rdb, err := db.NewRedis(c.RedisURL, c); err == nil {
			store = sig.NewRedisStore(rdb.Client(), c.RedisTimeout, c.SignatureCacheTTL)
		}
	}
	dom := fhe.TypedDomain{
		Name:              "WhisperWall",
		Version:           "1",
		ChainID:           c.ChainID,
		VerifyingContract: c.ContractAddress,
	}
	baseURL := os.Getenv("WHISPERWALL_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + c.Port
	}
	return &client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		codec:   codec,
		manager: sig.NewManager(codec, signer, store, dom, c.SignatureDurationDays),
		cfg:     c,
	}, nil
}

// loadSigner reads the wallet seed from WALLET_KEY_FILE, creating one on
// first use so the address is stable across invocations.
func loadSigner() (*fhe.LocalSigner, error) {
	path := os.Getenv("WALLET_KEY_FILE")
	if path == "" {
		path = ".whisperwall-wallet"
	}
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, seed, 0600); err != nil {
			return nil, fmt.Errorf("persist wallet key: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	signer, err := fhe.NewLocalSignerFromSeed(seed)
	util.Wipe(seed)
	return signer, err
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Wallet-Address", c.signer.Address())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *client) post(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	content := fs.String("content", "", "whisper content")
	tag := fs.String("tag", string(domain.TagRandom), "tag: Confession, Appreciation, Secret, Random")
	to := fs.String("to", "", "recipient address (makes the whisper private)")
	encrypt := fs.Bool("encrypt", false, "encrypt the content before posting")
	anon := fs.Bool("anon", false, "post anonymously")
	fs.Parse(args)
	if *content == "" {
		return fmt.Errorf("-content is required")
	}

	req := map[string]interface{}{
		"tag":       *tag,
		"anonymous": *anon,
	}
	if *to != "" {
		req["whisper_type"] = uint8(domain.WhisperPrivate)
		req["recipient"] = *to
	} else {
		req["whisper_type"] = uint8(domain.WhisperPublic)
	}
	if *encrypt {
		handle, proof, err := c.codec.Encrypt(ctx, []byte(*content),
			c.cfg.ContractAddress, c.signer.Address())
		if err != nil {
			return fmt.Errorf("encrypt content: %w", err)
		}
		req["content_mode"] = uint8(domain.ContentEncrypted)
		req["encrypted_handle"] = handle
		req["input_proof"] = proof
	} else {
		req["content_mode"] = uint8(domain.ContentPlain)
		req["content"] = *content
	}
	var whisper domain.Whisper
	if err := c.do(ctx, http.MethodPost, "/whispers", req, &whisper); err != nil {
		return err
	}
	fmt.Printf("posted whisper %d (%s, %s)\n", whisper.ID, whisper.Type, whisper.ContentMode)
	return nil
}

func (c *client) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.Uint64("id", 0, "whisper id")
	fs.Parse(args)
	var whisper domain.Whisper
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/whispers/%d", *id), nil, &whisper); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(whisper)
}

func (c *client) vote(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vote", flag.ExitOnError)
	id := fs.Uint64("id", 0, "whisper id")
	v := fs.String("vote", "like", "like, dislike or none")
	fs.Parse(args)
	var vote domain.VoteType
	switch *v {
	case "none":
		vote = domain.VoteNone
	case "like":
		vote = domain.VoteLike
	case "dislike":
		vote = domain.VoteDislike
	default:
		return fmt.Errorf("unknown vote %q", *v)
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/whispers/%d/vote", *id),
		map[string]uint8{"vote": uint8(vote)}, nil)
}

func (c *client) decrypt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	id := fs.Uint64("id", 0, "whisper id")
	fs.Parse(args)
	artifact, err := c.manager.LoadOrSign(ctx, []string{c.cfg.ContractAddress})
	if err != nil {
		return fmt.Errorf("decryption signature: %w", err)
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/whispers/%d/decrypt", *id),
		map[string]interface{}{"signature": artifact}, &out); err != nil {
		return err
	}
	fmt.Println(out.Content)
	return nil
}

func (c *client) tally(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tally", flag.ExitOnError)
	id := fs.Uint64("id", 0, "whisper id")
	fs.Parse(args)
	artifact, err := c.manager.LoadOrSign(ctx, []string{c.cfg.ContractAddress})
	if err != nil {
		return fmt.Errorf("decryption signature: %w", err)
	}
	var out struct {
		Likes    uint64 `json:"likes"`
		Dislikes uint64 `json:"dislikes"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/whispers/%d/tally/decrypt", *id),
		map[string]interface{}{"signature": artifact}, &out); err != nil {
		return err
	}
	fmt.Printf("likes: %d  dislikes: %d\n", out.Likes, out.Dislikes)
	return nil
}
