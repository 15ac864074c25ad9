package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"collabtext/internal/client"
	"collabtext/internal/client/cache"
	"collabtext/internal/crdt"
	"collabtext/internal/discovery"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
)

var (
	connectEndpoint string
	connectRoom     string
	connectDoc      string
	connectName     string
	connectColor    string
	connectCache    string
	connectDiscover time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a room from the terminal",
	Long: `Join a room as a debugging editor.

Every line typed is added to the shared document. Lines starting with a
slash are commands:

  /peers           list remote peers and their cursors
  /dump            print the document
  /caret N         move the caret to character N
  /comment TEXT    publish a comment-created event
  /quit            leave the room`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectEndpoint, "endpoint", "ws://localhost:1234/ws", "Server WebSocket endpoint")
	connectCmd.Flags().StringVarP(&connectRoom, "room", "r", "", "Room name (required)")
	connectCmd.Flags().StringVarP(&connectDoc, "doc", "d", "", "Document id (required)")
	connectCmd.Flags().StringVarP(&connectName, "name", "n", "", "Display name (default $USER)")
	connectCmd.Flags().StringVar(&connectColor, "color", "#2f80ed", "Cursor color")
	connectCmd.Flags().StringVar(&connectCache, "cache", "", "bbolt file for offline persistence")
	connectCmd.Flags().DurationVar(&connectDiscover, "discover", 0, "Browse mDNS this long for a server instead of using --endpoint")
	connectCmd.MarkFlagRequired("room")
	connectCmd.MarkFlagRequired("doc")
}

type lineKind int

const (
	lineText lineKind = iota
	linePeers
	lineDump
	lineCaret
	lineComment
	lineQuit
	lineUnknown
)

type line struct {
	kind lineKind
	arg  string
}

func parseLine(s string) line {
	s = strings.TrimRight(s, "\r\n")
	if !strings.HasPrefix(s, "/") {
		return line{kind: lineText, arg: s}
	}
	name, arg, _ := strings.Cut(s[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "peers":
		return line{kind: linePeers}
	case "dump":
		return line{kind: lineDump}
	case "caret":
		return line{kind: lineCaret, arg: arg}
	case "comment":
		return line{kind: lineComment, arg: arg}
	case "quit", "q":
		return line{kind: lineQuit}
	default:
		return line{kind: lineUnknown, arg: name}
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	endpoint := connectEndpoint
	if connectDiscover > 0 {
		found, err := discoverEndpoint(cmd.Context(), connectDiscover)
		if err != nil {
			return failure("No server found", err, "Start one with \"collabsync serve --mdns\" or pass --endpoint.")
		}
		endpoint = found
		success(out, "Discovered %s", endpoint)
	}
	name := connectName
	if name == "" {
		name = os.Getenv("USER")
	}

	opts := client.RegistryOptions{
		Endpoint:  endpoint,
		Transport: client.WebsocketTransport{},
		Identity:  presence.Identity{Name: name, Color: connectColor},
	}
	if connectCache != "" {
		store, err := cache.Open(connectCache)
		if err != nil {
			return failure("Cannot open cache", err, "")
		}
		defer store.Close()
		opts.Cache = store
	}
	registry := client.NewRegistry(opts)
	defer registry.Close()

	key := client.RoomKey{RoomName: connectRoom, DocumentID: connectDoc}
	editor, err := registry.Open(key, client.EditorOptions{})
	if err != nil {
		return failure("Cannot join room", err, "")
	}
	defer editor.Close()
	h := editor.Handle()
	doc, ok := h.Doc().(*crdt.FragmentSet)
	if !ok {
		return failure("Unsupported document type", fmt.Errorf("%T", h.Doc()), "")
	}

	h.Session().OnStatus(func(ev client.StatusEvent) { printStatus(out, ev) })
	h.Session().OnEvent(func(ev protocol.DomainEvent) {
		cyan.Fprintf(out, "event %s on %s: %s\n", ev.Event, ev.DocumentID, ev.Payload)
	})
	doc.OnUpdate(func(update []byte, origin any) {
		if origin == h.Session() {
			faint.Fprintf(out, "remote update, %d lines\n", doc.Len())
		}
	})
	h.Presence().OnChange(func(peers []presence.Entry) {
		faint.Fprintf(out, "%d peer(s) present\n", len(peers))
	})

	success(out, "Joined %s as %s (%s)", key.Token(), name, registry.ClientID())
	prompt := cmd.InOrStdin() == os.Stdin && term.IsTerminal(int(os.Stdin.Fd()))
	return readLines(cmd.InOrStdin(), out, editor, doc, prompt)
}

func readLines(in io.Reader, out io.Writer, editor *client.Editor, doc *crdt.FragmentSet, prompt bool) error {
	h := editor.Handle()
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		l := parseLine(scanner.Text())
		switch l.kind {
		case lineText:
			if l.arg == "" {
				continue
			}
			if err := doc.Add([]byte(l.arg)); err != nil {
				warning(out, "add failed: %v", err)
			}
		case linePeers:
			printPeers(out, h.Presence())
		case lineDump:
			for i, f := range doc.Fragments() {
				fmt.Fprintf(out, "%3d  %s\n", i+1, f)
			}
		case lineCaret:
			n, err := strconv.Atoi(l.arg)
			if err != nil || !editor.MoveCaret(blocksOf(doc), n, n) {
				warning(out, "caret %q is outside the document", l.arg)
			}
		case lineComment:
			err := h.Session().PublishEvent(protocol.KindCommentCreated, map[string]string{"text": l.arg})
			if err != nil {
				warning(out, "comment not sent: %v", err)
			}
		case lineQuit:
			return nil
		case lineUnknown:
			warning(out, "unknown command /%s", l.arg)
		}
	}
	return scanner.Err()
}

func blocksOf(doc *crdt.FragmentSet) []presence.Block {
	fragments := doc.Fragments()
	blocks := make([]presence.Block, len(fragments))
	for i, f := range fragments {
		blocks[i] = presence.Block{ID: "line-" + strconv.Itoa(i+1), Text: string(f)}
	}
	return blocks
}

func printStatus(out io.Writer, ev client.StatusEvent) {
	switch {
	case ev.State == client.Connected:
		green.Fprintf(out, "%s\n", ev.State)
	case ev.Err != nil && ev.RetryIn > 0:
		yellow.Fprintf(out, "%s: %v, retry %d in %s\n", ev.State, ev.Err, ev.Attempt, ev.RetryIn)
	case ev.Err != nil:
		red.Fprintf(out, "%s: %v, giving up\n", ev.State, ev.Err)
	default:
		fmt.Fprintf(out, "%s\n", ev.State)
	}
}

func printPeers(out io.Writer, t *presence.Tracker) {
	peers := t.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(out, "no peers")
		return
	}
	now := time.Now()
	for _, p := range peers {
		where := "no cursor"
		if p.HasCursor() {
			where = fmt.Sprintf("%s:%d", p.Cursor.BlockID, p.Cursor.Offset)
			if p.Stale(now) {
				where += " (stale)"
			}
		}
		fmt.Fprintf(out, "%-12s %-20s %s\n", p.PeerID, p.DisplayName, where)
	}
}

func discoverEndpoint(ctx context.Context, wait time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	found := make(chan discovery.Server, 1)
	go func() {
		err := discovery.Browse(ctx, discovery.DefaultService, func(s discovery.Server) {
			select {
			case found <- s:
			default:
			}
		})
		if err != nil {
			glog.Warningf("[connect] browse: %v", err)
		}
	}()
	select {
	case s := <-found:
		return s.Endpoint(), nil
	case <-ctx.Done():
		return "", fmt.Errorf("nothing answered on %s within %s", discovery.DefaultService, wait)
	}
}
