package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"

	"ExtensionHost/internal/activation"
	"ExtensionHost/internal/api"
	"ExtensionHost/internal/messages"
	"ExtensionHost/internal/registry"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/sdk/go/exthost"
)

// main starts an in-process host with two extensions and drives it through
// the SDK client.
func main() {
	reg := registry.New()
	for _, d := range []extension.Description{
		{ID: "demo.core", Main: "core", ActivationEvents: []string{"onCommand:demo"}},
		{ID: "demo.ui", Main: "ui", ExtensionDependencies: []string{"demo.core"}, ActivationEvents: []string{"onCommand:demo"}},
	} {
		if err := reg.Register(d); err != nil {
			log.Fatal(err)
		}
	}
	reg.MarkReady()

	loader := extension.NewStaticLoader()
	loader.Register("core", func() extension.Module {
		return extension.ModuleFunc(func(*extension.ActivationContext) (any, error) { return "core-api", nil })
	})
	loader.Register("ui", func() extension.Module {
		return extension.ModuleFunc(func(ctx *extension.ActivationContext) (any, error) {
			return fmt.Sprintf("ui using %v", ctx.Dependencies["demo.core"]), nil
		})
	})

	sink := messages.NewMemorySink(32)
	resolver := activation.New(reg, activation.WithLoader(loader), activation.WithSink(sink))
	srv := httptest.NewServer(api.NewServer("", resolver, api.WithMessages(sink), api.WithGraph(reg)).Handler())
	defer srv.Close()

	client, err := exthost.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	if _, err := client.FireEvent(ctx, "onCommand:demo", false); err != nil {
		log.Fatal(err)
	}
	statuses, err := client.ListExtensions(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	for _, st := range statuses {
		fmt.Printf("%-10s %s\n", st.Description.ID, st.State)
	}
}
