package prom

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConfPromListenAddr      = config.RegisterOption("gamesched.prom_listen_addr", "Prometheus listen address", "")
	ConfPromListenPortRange = config.RegisterOption("gamesched.prom_listen_port_range", "Prometheus listen port range, the first free port is used", "6001-6100")

	logger = common.GetFixedPrefixLogger("prom")
)

// Run serves the metrics on the first free port in the configured range until ctx is cancelled
func Run(ctx context.Context) error {
	ports, err := parseRange(ConfPromListenPortRange.GetString())
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		logger.Warn("No prom ports defined, not launching prom server")
		return nil
	}

	go serve(ctx, ports)
	return nil
}

func serve(ctx context.Context, ports []int) {
	for {
		for _, p := range ports {
			listenAddr := fmt.Sprintf("%s:%d", ConfPromListenAddr.GetString(), p)
			logger.Infof("Attempting to start prom server on %s", listenAddr)

			server := &http.Server{Addr: listenAddr, Handler: promhttp.Handler()}
			go func() {
				<-ctx.Done()
				server.Close()
			}()

			err := server.ListenAndServe()
			if ctx.Err() != nil {
				return
			}

			logger.WithError(err).Warn("failed starting prom server, trying another port")
			time.Sleep(time.Second)
		}
	}
}

func parseRange(in string) ([]int, error) {
	if in == "" {
		return nil, nil
	}

	if !strings.Contains(in, "-") {
		n, err := strconv.Atoi(in)
		if err != nil {
			return nil, errors.WithStackIf(err)
		}

		return []int{n}, nil
	}

	split := strings.SplitN(in, "-", 2)
	parsedStart, err := strconv.Atoi(split[0])
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	parsedEnd, err := strconv.Atoi(split[1])
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	if parsedEnd < parsedStart {
		return nil, errors.Errorf("invalid port range %q", in)
	}

	result := make([]int, 0, parsedEnd-parsedStart+1)
	for i := parsedStart; i <= parsedEnd; i++ {
		result = append(result, i)
	}

	return result, nil
}
