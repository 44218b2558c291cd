/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 */

package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// Slowloris protection.
	defaultReadHeaderTimeout = 3 * time.Second
	defaultReadTimeout       = 10 * time.Second

	// Resolutions may take several well-known redirects.
	defaultWriteTimeout = time.Minute

	defaultMaxHeaderBytes = 8192
)

// ServeHTTP serves the http handler on l until the Server is closed.
// It always returns a non-nil error, ErrServerClosed after Close.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	hs := &http.Server{
		Handler:           s.opts.HttpHandler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(s.opts.Logger),
	}
	if !s.trackCloser(hs, true) {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	s.opts.Logger.Info("http server started", zap.Stringer("addr", l.Addr()))
	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
