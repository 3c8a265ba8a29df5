// Command binderctl opens a binder host in-process, registers a
// context manager, and drives a scripted sequence of transactions for
// manual smoke-testing. It replaces go-ublk's cmd/ublk-mem, which
// created a real /dev/ublkbN backed by an in-memory block; there is no
// real device here to create, so binderctl talks to the same in-memory
// Host a test would, and prints what it observes.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/binderd/binderd/internal/wire"

	binder "github.com/binderd/binderd"
)

// Scenario is a scripted sequence of commands a client thread issues,
// loadable from YAML for repeatable manual tests (spec §6's external
// interfaces, driven without a real character device).
type Scenario struct {
	Commands []ScenarioCommand `yaml:"commands"`
}

// ScenarioCommand names one BC_* command and its arguments. Only the
// handful of commands binderctl's smoke test exercises are supported;
// unknown names are rejected rather than silently ignored.
type ScenarioCommand struct {
	Op         string `yaml:"op"`
	Descriptor uint32 `yaml:"descriptor"`
	Target     uint32 `yaml:"target"`
	Code       uint32 `yaml:"code"`
	Oneway     bool   `yaml:"oneway"`
}

func main() {
	var (
		scenarioPath = pflag.String("scenario", "", "YAML scenario file to drive (default: a built-in handshake)")
		metricsAddr  = pflag.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address (e.g. :9110)")
		mappingSize  = pflag.Uint32("mapping-size", 128*1024, "shared mapping size in bytes")
	)
	pflag.Parse()

	registry := prometheus.NewRegistry()
	metrics := binder.NewMetrics(registry)
	obs := binder.NewPrometheusObserver(metrics)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", binder.MetricsHandler(registry))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "binderctl: metrics server: %v\n", err)
			}
		}()
	}

	host := binder.NewHost(obs)
	params := binder.DefaultParams()
	params.MappingSize = *mappingSize

	ctxMgr := host.Open(0, params)
	if err := ctxMgr.Mmap(0); err != nil {
		fatalf("mmap(context manager): %v", err)
	}
	ctxMgrThread := ctxMgr.NewThread(1)
	if err := ctxMgr.SetContextManager(); err != nil {
		fatalf("SET_CONTEXT_MGR: %v", err)
	}

	client := host.Open(1000, params)
	if err := client.Mmap(0); err != nil {
		fatalf("mmap(client): %v", err)
	}
	clientThread := client.NewThread(2)

	scenario := builtinScenario()
	if *scenarioPath != "" {
		data, err := os.ReadFile(*scenarioPath)
		if err != nil {
			fatalf("reading scenario: %v", err)
		}
		scenario = Scenario{}
		if err := yaml.Unmarshal(data, &scenario); err != nil {
			fatalf("parsing scenario: %v", err)
		}
	}

	w := wire.NewCommandWriter()
	for _, cmd := range scenario.Commands {
		if err := encodeScenarioCommand(w, cmd); err != nil {
			fatalf("scenario command %q: %v", cmd.Op, err)
		}
	}

	if _, err := clientThread.WriteRead(w.Bytes(), false); err != nil {
		fatalf("client WriteRead: %v", err)
	}

	out, err := ctxMgrThread.WriteRead(nil, false)
	if err != nil {
		fatalf("context manager WriteRead: %v", err)
	}
	printReturns(out)
}

func builtinScenario() Scenario {
	return Scenario{Commands: []ScenarioCommand{
		{Op: "INCREFS", Descriptor: 0},
		{Op: "ACQUIRE", Descriptor: 0},
		{Op: "TRANSACTION", Target: 0, Code: 1},
	}}
}

func encodeScenarioCommand(w *wire.CommandWriter, cmd ScenarioCommand) error {
	switch cmd.Op {
	case "INCREFS":
		w.Descriptor(wire.BC_INCREFS, cmd.Descriptor)
	case "ACQUIRE":
		w.Descriptor(wire.BC_ACQUIRE, cmd.Descriptor)
	case "RELEASE":
		w.Descriptor(wire.BC_RELEASE, cmd.Descriptor)
	case "DECREFS":
		w.Descriptor(wire.BC_DECREFS, cmd.Descriptor)
	case "TRANSACTION":
		flags := uint32(0)
		if cmd.Oneway {
			flags = wire.TF_ONE_WAY
		}
		w.Transaction(wire.BC_TRANSACTION, wire.TransactionData{Target: cmd.Target, Code: cmd.Code, Flags: flags})
	default:
		return fmt.Errorf("unknown scenario op %q", cmd.Op)
	}
	return nil
}

func printReturns(data []byte) {
	r := wire.NewReturnReader(data)
	for r.Remaining() {
		code, err := r.Next()
		if err != nil {
			fmt.Printf("<truncated: %v>\n", err)
			return
		}
		fmt.Printf("%s\n", code)
		switch code {
		case wire.BR_TRANSACTION, wire.BR_REPLY:
			if td, err := r.ReadTransaction(); err == nil {
				fmt.Printf("  code=%d flags=%#x data=%dB\n", td.Code, td.Flags, len(td.Data))
			}
		case wire.BR_INCREFS, wire.BR_ACQUIRE, wire.BR_RELEASE, wire.BR_DECREFS:
			if rr, err := r.ReadRefReturn(); err == nil {
				fmt.Printf("  ptr=%d cookie=%d\n", rr.Ptr, rr.Cookie)
			}
		case wire.BR_DEAD_BINDER, wire.BR_CLEAR_DEATH_NOTIFICATION_DONE:
			if cookie, err := r.ReadCookie(); err == nil {
				fmt.Printf("  cookie=%d\n", cookie)
			}
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "binderctl: "+format+"\n", args...)
	os.Exit(1)
}
