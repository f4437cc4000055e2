package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/anvil-ml/anvil/internal/client"
	"github.com/anvil-ml/anvil/internal/device"
	"github.com/anvil-ml/anvil/internal/engine"
	"github.com/anvil-ml/anvil/internal/tensor"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	modelDim    = flag.Int("dim", 0, "Model dimension (overrides config)")
	ffDim       = flag.Int("ff", 0, "Feed-forward dimension (overrides config)")
	seqLen      = flag.Int("seq", 0, "Sequence length (overrides config)")
	numSteps    = flag.Int("steps", 64, "Number of generation steps to run")
	duration    = flag.Duration("duration", 0, "Run soak mode for the given duration (e.g. 30s, 10m)")
	accel       = flag.Bool("accel", true, "Enable BLAS accelerator dispatch")
	maxDevMem   = flag.String("max-device-mem", "1GB", "Device memory bound for admission control (e.g. 4GB, 512MB)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr  = flag.String("listen", "", "Address for the metrics HTTP server (e.g. :8080)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	jsonReport  = flag.Bool("json", false, "Print the final report as JSON")
	outputPath  = flag.String("output", "", "Write step outputs as an Arrow IPC stream ('-' for stdout)")
	serverAddr  = flag.String("server", "", "Telemetry collector address (e.g. localhost:3000)")
	datasetName = flag.String("dataset", "anvil_steps", "Target dataset name on the collector")
)

// flushEvery bounds how many step rows buffer before a telemetry push.
const flushEvery = 16

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func resolveConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = engine.LoadConfig(*configPath)
		if err != nil {
			return cfg, err
		}
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *modelDim > 0 {
		cfg.ModelDim = *modelDim
	}
	if *ffDim > 0 {
		cfg.FFDim = *ffDim
	}
	if *seqLen > 0 {
		cfg.SeqLen = *seqLen
	}
	if set["accel"] {
		cfg.Accel = *accel
	}
	if set["max-device-mem"] {
		if mem := parseBytes(*maxDevMem); mem > 0 {
			cfg.MaxDeviceMem = mem
		}
	}
	return cfg, cfg.Validate()
}

type report struct {
	Steps            int     `json:"steps"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	StepsPerSec      float64 `json:"steps_per_sec"`
	ElementsPerStep  int     `json:"elements_per_step"`
	RawNodes         int     `json:"raw_nodes"`
	OptimizedNodes   int     `json:"optimized_nodes"`
	CompressionRatio float64 `json:"compression_ratio"`
	Device           string  `json:"device"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := resolveConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var dev device.Capability
	if cfg.Accel {
		dev = device.NewBLAS(device.WithMaxMemory(cfg.MaxDeviceMem))
	}

	eng, err := engine.New(cfg, dev)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer eng.Close()

	log.Info().
		Int("dim", cfg.ModelDim).
		Int("ff", cfg.FFDim).
		Int("seq", cfg.SeqLen).
		Bool("accel", cfg.Accel).
		Int64("max_device_mem", cfg.MaxDeviceMem).
		Msg("Starting anvil")

	if *listenAddr != "" {
		go startMetricsServer(*listenAddr)
	}

	var sink *client.Sink
	if *serverAddr != "" {
		sink, err = client.NewSink(*serverAddr, *datasetName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create telemetry sink")
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close telemetry sink")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Connected to telemetry collector")
	}

	var out *ipcStream
	if *outputPath != "" {
		out, err = newIPCStream(*outputPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open output stream")
		}
		defer func() {
			if err := out.close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close output stream")
			}
		}()
	}

	rep, err := run(context.Background(), eng, cfg, sink, out)
	if err != nil {
		log.Fatal().Err(err).Msg("Generation loop failed")
	}

	if *jsonReport {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode report")
		}
		fmt.Println(string(data))
		return
	}

	p := message.NewPrinter(language.English)
	p.Printf("steps        %d in %.2fs (%.1f steps/s)\n", rep.Steps, rep.ElapsedSeconds, rep.StepsPerSec)
	p.Printf("elements     %d per step, %d total\n", rep.ElementsPerStep, int64(rep.Steps)*int64(rep.ElementsPerStep))
	p.Printf("graph        %d nodes, %d after fusion\n", rep.RawNodes, rep.OptimizedNodes)
	p.Printf("kv cache     %.2fx compression\n", rep.CompressionRatio)
	p.Printf("device       %s\n", rep.Device)
}

// run drives the generation loop, feeding each step's block output back
// in as the next input.
func run(ctx context.Context, eng *engine.Engine, cfg engine.Config, sink *client.Sink, out *ipcStream) (report, error) {
	x := seedInput(cfg)

	var deadline time.Time
	if *duration > 0 {
		log.Info().Str("duration", duration.String()).Msg("Starting soak mode")
		deadline = time.Now().Add(*duration)
	}

	var pending []client.StepRow
	var lastRatio float64
	start := time.Now()
	n := 0
	for {
		if deadline.IsZero() {
			if n >= *numSteps {
				break
			}
		} else if !time.Now().Before(deadline) {
			break
		}

		res, err := eng.Step(ctx, x)
		if err != nil {
			return report{}, fmt.Errorf("step %d: %w", n, err)
		}
		lastRatio = res.Ratio
		x = res.Out

		if sink != nil || out != nil {
			pending = append(pending, client.StepRow{
				Step:  int64(res.Step),
				Ratio: res.Ratio,
				Out:   res.Out.Data,
			})
			if len(pending) >= flushEvery {
				flush(ctx, sink, out, pending)
				pending = pending[:0]
			}
		}

		n++
		if !deadline.IsZero() && n%10 == 0 {
			elapsed := time.Since(start)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("steps", n).
				Float64("sps", float64(n)/elapsed.Seconds()).
				Msg("Soak progress")
		}
	}
	flush(ctx, sink, out, pending)

	elapsed := time.Since(start)
	raw, opt := eng.NodeCounts()
	rep := report{
		Steps:            n,
		ElapsedSeconds:   elapsed.Seconds(),
		ElementsPerStep:  cfg.SeqLen * cfg.ModelDim,
		RawNodes:         raw,
		OptimizedNodes:   opt,
		CompressionRatio: lastRatio,
		Device:           eng.DeviceName(),
	}
	if elapsed > 0 {
		rep.StepsPerSec = float64(n) / elapsed.Seconds()
	}
	return rep, nil
}

func seedInput(cfg engine.Config) *tensor.Tensor {
	r := rand.New(rand.NewSource(cfg.Seed + 1))
	x := tensor.New(cfg.SeqLen, cfg.ModelDim)
	for i := range x.Data {
		x.Data[i] = float32(r.NormFloat64()) * 0.1
	}
	return x
}

func flush(ctx context.Context, sink *client.Sink, out *ipcStream, rows []client.StepRow) {
	if len(rows) == 0 {
		return
	}
	if sink != nil {
		if err := sink.Push(ctx, rows); err != nil {
			log.Warn().Err(err).Int("rows", len(rows)).Msg("Telemetry push failed")
		}
	}
	if out != nil {
		if err := out.write(rows); err != nil {
			log.Warn().Err(err).Msg("Failed to write output stream")
		}
	}
}

// ipcStream writes step rows incrementally as one Arrow IPC stream.
type ipcStream struct {
	f         *os.File
	builder   *client.RecordBuilder
	w         *ipc.Writer
	closeFile bool
}

func newIPCStream(path string) (*ipcStream, error) {
	s := &ipcStream{builder: client.NewRecordBuilder(memory.NewGoAllocator())}
	if path == "-" {
		s.f = os.Stdout
		return s, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s.f = f
	s.closeFile = true
	return s, nil
}

func (s *ipcStream) write(rows []client.StepRow) error {
	rec, err := s.builder.BuildRecord(rows)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	if s.w == nil {
		s.w = ipc.NewWriter(s.f, ipc.WithSchema(rec.Schema()))
	}
	return s.w.Write(rec)
}

func (s *ipcStream) close() error {
	var err error
	if s.w != nil {
		err = s.w.Close()
	}
	if s.closeFile {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func startMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	log.Info().Str("addr", addr).Msg("Starting metrics server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Metrics server failed")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("anvil"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
