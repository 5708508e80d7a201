// Docker metadata exporter for harbor-runner hosts. Task containers started
// by the agent are named "<task>__<suffix>"; the exporter surfaces them with
// a task label so dashboards can tie container churn back to benchmark runs.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var containerMeta = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "task_container_info",
		Help: "Metadata of containers on a runner host",
	},
	[]string{"id", "name", "image", "task", "state", "full_id"},
)

func init() {
	prometheus.MustRegister(containerMeta)
}

// taskFor extracts the benchmark task from a container name, or returns ""
// for containers the runner did not start.
func taskFor(name string) string {
	if task, _, ok := strings.Cut(name, "__"); ok {
		return task
	}
	return ""
}

func collectMetrics() {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Printf("Error creating Docker client: %v", err)
		return
	}
	defer cli.Close()

	containers, err := cli.ContainerList(context.Background(), container.ListOptions{All: true})
	if err != nil {
		log.Printf("Error listing containers: %v", err)
		return
	}

	// Reset so containers that disappeared stop reporting.
	containerMeta.Reset()

	for _, c := range containers {
		fullID := c.ID
		shortID := fullID
		if len(fullID) > 12 {
			shortID = fullID[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		containerMeta.WithLabelValues(
			shortID,
			name,
			c.Image,
			taskFor(name),
			c.State,
			fullID,
		).Set(1)
	}
}

func main() {
	go func() {
		for {
			collectMetrics()
			time.Sleep(15 * time.Second)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting runner container exporter on :8000")
	log.Fatal(http.ListenAndServe(":8000", nil))
}
