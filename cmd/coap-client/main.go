// coap-client sends CoAP requests and browses for CoAP servers.
//
// Usage:
//
//	coap-client get coap://127.0.0.1/echo?hello
//	coap-client put --payload 42 coap://127.0.0.1/value
//	coap-client discover --timeout 3s
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "coap-client"
	app.Usage = "CoAP command line client"
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		methodCommand("get", "send a GET request"),
		methodCommand("put", "send a PUT request"),
		methodCommand("post", "send a POST request"),
		methodCommand("delete", "send a DELETE request"),
		{
			Name:    "discover",
			Aliases: []string{"browse"},
			Usage:   "list CoAP servers advertised over DNS-SD",
			Flags:   []cli.Flag{timeoutFlag, resourceFlag},
			Action:  discover,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "coap-client: %v\n", err)
		os.Exit(1)
	}
}
