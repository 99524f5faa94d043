package observe_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonwraymond/actionrun/observe"
)

func ExampleNewObserver() {
	cfg := observe.Config{
		ServiceName: "example-service",
		Version:     "1.0.0",
		Tracing:     observe.TracingConfig{Enabled: true, Exporter: "none"},
		Metrics:     observe.MetricsConfig{Enabled: false},
		Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
	}

	ctx := context.Background()
	obs, err := observe.NewObserver(ctx, cfg)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer func() {
		_ = obs.Shutdown(ctx)
	}()

	fmt.Println("Observer created successfully")
	// Output:
	// Observer created successfully
}

func ExampleNewObserver_validation() {
	_, err := observe.NewObserver(context.Background(), observe.Config{})
	if errors.Is(err, observe.ErrMissingServiceName) {
		fmt.Println("Caught: missing service name")
	}
	// Output:
	// Caught: missing service name
}

func ExampleConfig_Validate() {
	cfg := observe.Config{
		ServiceName: "my-service",
		Tracing: observe.TracingConfig{
			Enabled:   true,
			Exporter:  "otlp",
			SamplePct: 0.5,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  true,
			Exporter: "prometheus",
		},
	}

	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid:", err)
	} else {
		fmt.Println("Configuration is valid")
	}
	// Output:
	// Configuration is valid
}

func ExampleOperationMeta_SpanName() {
	meta := observe.OperationMeta{OperationID: "gmail_send_email", AppID: "gmail"}
	fmt.Println(meta.SpanName())
	// Output:
	// action.exec.gmail_send_email
}

func ExampleIsRedactedField() {
	for _, key := range []string{"session_token", "Authorization", "app_id"} {
		fmt.Printf("%s: %v\n", key, observe.IsRedactedField(key))
	}
	// Output:
	// session_token: true
	// Authorization: true
	// app_id: false
}

func ExampleMiddleware_Wrap() {
	mw := observe.NewMiddleware(nil, nil, nil)

	exec := mw.Wrap(func(ctx context.Context, meta observe.OperationMeta, params map[string]any) (any, error) {
		return "sent to " + params["channel"].(string), nil
	})

	out, err := exec(context.Background(), observe.OperationMeta{OperationID: "slack_post"}, map[string]any{"channel": "#ops"})
	fmt.Println(out, err)
	// Output:
	// sent to #ops <nil>
}
