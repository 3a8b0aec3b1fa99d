// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package rendercache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestServedFromCacheCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_served_from_cache",
			Help: "Number of requests served from cache, by freshness.",
		}, []string{"state"})
	imageTransformationSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	renderLockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "render_lock_timeouts",
		Help: "Number of requests that gave up waiting for a render in progress.",
	})
	sourceFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_image_fetch_errors",
		Help: "Total source image fetch failures",
	})
	httpRequestsResponseTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times",
	})
)

func init() {
	prometheus.MustRegister(imageTransformationSummary)
	prometheus.MustRegister(requestServedFromCacheCount)
	prometheus.MustRegister(renderLockTimeouts)
	prometheus.MustRegister(sourceFetchErrors)
	prometheus.MustRegister(httpRequestsResponseTime)
}
