package main

import (
	"context"
	"fmt"

	"github.com/backkem/coap/pkg/discovery"
	"gopkg.in/urfave/cli.v1"
)

func discover(ctx *cli.Context) error {
	browser, err := discovery.NewBrowser(discovery.BrowserConfig{
		BrowseTimeout: ctx.Duration(timeoutFlag.Name),
		LoggerFactory: loggerFactory(ctx),
	})
	if err != nil {
		return err
	}

	bctx, cancel := context.WithTimeout(context.Background(), ctx.Duration(timeoutFlag.Name))
	defer cancel()

	if path := ctx.String(resourceFlag.Name); path != "" {
		svc, err := browser.FindResource(bctx, path)
		if err != nil {
			return err
		}
		fmt.Println(svc.URI(path))
		return nil
	}

	services, err := browser.BrowseAll(bctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		fmt.Printf("%s (%s:%d)\n", svc.InstanceName, svc.HostName, svc.Port)
		for _, r := range svc.Resources {
			fmt.Printf("  %s\n", svc.URI(r))
		}
	}
	return nil
}
