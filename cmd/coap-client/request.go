package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"gopkg.in/urfave/cli.v1"
)

var methods = map[string]codes.Code{
	"get":    codes.GET,
	"put":    codes.PUT,
	"post":   codes.POST,
	"delete": codes.DELETE,
}

func methodCommand(name, usage string) cli.Command {
	return cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "coap://host[:port]/path[?query]",
		Flags:     []cli.Flag{payloadFlag, etagFlag, nonFlag, timeoutFlag},
		Action: func(ctx *cli.Context) error {
			return request(ctx, methods[name])
		},
	}
}

func loggerFactory(ctx *cli.Context) logging.LoggerFactory {
	if !ctx.GlobalBool(verboseFlag.Name) {
		return nil
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelDebug
	return f
}

// parseTarget splits a coap:// URI into the remote endpoint, path and query.
func parseTarget(raw string) (transport.PeerAddress, string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return transport.PeerAddress{}, "", "", err
	}
	if u.Scheme != "coap" || u.Host == "" {
		return transport.PeerAddress{}, "", "", fmt.Errorf("not a coap:// URI: %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(transport.DefaultPort)
	}
	addr, err := transport.UDPAddrFromString(net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return transport.PeerAddress{}, "", "", err
	}
	return addr, strings.Trim(u.Path, "/"), u.RawQuery, nil
}

func request(ctx *cli.Context, method codes.Code) error {
	target := ctx.Args().First()
	if target == "" {
		return errors.New("missing URI")
	}
	remote, path, query, err := parseTarget(target)
	if err != nil {
		return err
	}

	typ := message.Confirmable
	if ctx.Bool(nonFlag.Name) {
		typ = message.NonConfirmable
	}
	msg := message.NewRequest(typ, method, path)
	if query != "" {
		msg = msg.WithQuery(query)
	}
	if s := ctx.String("etag"); s != "" {
		etag, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid etag: %w", err)
		}
		msg = msg.WithETag(etag)
	}
	if p := ctx.String("payload"); p != "" {
		msg.Payload = []byte(p)
	}

	lf := loggerFactory(ctx)
	var messaging *exchange.Messaging
	manager, err := transport.NewManager(transport.ManagerConfig{
		ListenAddrs:    []string{listenAddrFor(remote)},
		MessageHandler: func(rm *transport.ReceivedMessage) { messaging.HandleDatagram(rm) },
		LoggerFactory:  lf,
	})
	if err != nil {
		return err
	}
	messaging, err = exchange.NewMessaging(exchange.MessagingConfig{Sender: manager, LoggerFactory: lf})
	if err != nil {
		return err
	}
	client, err := exchange.NewClientEngine(exchange.ClientConfig{
		Messaging: messaging,
		Remote:    remote,
		Params: exchange.TransmissionParameters{
			AckTimeout:    ctx.GlobalDuration(ackTimeoutFlag.Name),
			MaxRetransmit: exchange.RetransmitCount(ctx.GlobalInt(maxRetransmitFlag.Name)),
		},
		Random:        exchange.DefaultRandomSource,
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	reqCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration(timeoutFlag.Name))
	defer cancel()

	mc := client.NewContext(msg)
	resp, err := client.SendReceive(reqCtx, mc)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("no response: %v", mc.ResponseCode)
	}
	printResponse(resp)
	return nil
}

// listenAddrFor picks an ephemeral local address of the same family as remote.
func listenAddrFor(remote transport.PeerAddress) string {
	if udp, ok := remote.Addr.(*net.UDPAddr); ok && udp.IP.To4() == nil {
		return "[::]:0"
	}
	return "0.0.0.0:0"
}

func printResponse(resp *message.Message) {
	if resp.IsReset() {
		fmt.Println("RST")
		return
	}
	fmt.Println(resp.Code)
	if etag := resp.ETag(); len(etag) > 0 {
		fmt.Printf("ETag: %x\n", etag)
	}
	if maxAge := resp.MaxAgeSeconds(); maxAge > 0 {
		fmt.Printf("Max-Age: %d\n", maxAge)
	}
	if len(resp.Payload) > 0 {
		fmt.Println()
		fmt.Println(string(resp.Payload))
	}
}
