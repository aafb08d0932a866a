// Command gunyah-inspect boots an in-process kernel instance from a
// kernel.yaml file and dumps its live object/capability state, the
// same reason tinyrange-cc carries cmd/debug.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gunyah-go/gunyah/internal/bootconfig"
	"github.com/gunyah-go/gunyah/internal/boot"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
)

func main() {
	cfgPath := flag.String("config", "kernel.yaml", "path to kernel.yaml")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "gunyah-inspect:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := bootconfig.Load(cfgPath)
	if err != nil {
		return err
	}

	plat := fakeplatform.New(cfg.CoreCount)
	k, err := boot.ColdInit(context.Background(), cfg, plat, boot.SystemEvents{})
	if err != nil {
		return err
	}

	reg := object.NewRegistry()
	reg.Track("root-partition", k.RootPart.Header())
	for _, vm := range k.VMs {
		for i, v := range vm.VCPUs {
			reg.Track(fmt.Sprintf("%s/vcpu%d", vm.Config.Name, i), v.Header())
		}
	}

	for _, s := range object.DumpObjects(reg) {
		fmt.Printf("%-24s %s\n", s.Name, s.Summary)
	}
	return nil
}
