// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"reflect"
	"testing"
)

type mockLogSink struct{}

func (mockLogSink) Info(level int, msg string, keysAndValues ...interface{}) {}

func BenchmarkLogger(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()

	b.Run("Print", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		logger := New(mockLogSink{}, 0, map[Component]Level{
			ComponentCommand: LevelDebug,
		})

		for i := 0; i < b.N; i++ {
			logger.Print(LevelInfo, &CommandStartedMessage{})
		}
	})
}

func TestSelectMaxDocumentLength(t *testing.T) {
	for _, tcase := range []struct {
		name     string
		arg      uint
		expected uint
		env      map[string]string
	}{
		{
			name:     "default",
			arg:      0,
			expected: DefaultMaxDocumentLength,
		},
		{
			name:     "non-zero",
			arg:      100,
			expected: 100,
		},
		{
			name:     "valid env",
			arg:      0,
			expected: 100,
			env: map[string]string{
				maxDocumentLengthEnvVar: "100",
			},
		},
		{
			name:     "invalid env",
			arg:      0,
			expected: DefaultMaxDocumentLength,
			env: map[string]string{
				maxDocumentLengthEnvVar: "foo",
			},
		},
	} {
		tcase := tcase

		t.Run(tcase.name, func(t *testing.T) {
			os.Unsetenv(maxDocumentLengthEnvVar)
			for k, v := range tcase.env {
				os.Setenv(k, v)
			}
			defer os.Unsetenv(maxDocumentLengthEnvVar)

			actual := selectMaxDocumentLength(
				func() uint { return tcase.arg },
				getEnvMaxDocumentLength,
			)
			if actual != tcase.expected {
				t.Errorf("expected %d, got %d", tcase.expected, actual)
			}
		})
	}
}

func TestSelectLogSink(t *testing.T) {
	for _, tcase := range []struct {
		name     string
		arg      LogSink
		expected LogSink
		env      map[string]string
	}{
		{
			name:     "default",
			arg:      nil,
			expected: newOSSink(os.Stderr),
		},
		{
			name:     "non-nil",
			arg:      mockLogSink{},
			expected: mockLogSink{},
		},
		{
			name:     "stdout",
			arg:      nil,
			expected: newOSSink(os.Stdout),
			env: map[string]string{
				logSinkPathEnvVar: string(logSinkPathStdOut),
			},
		},
		{
			name:     "stderr",
			arg:      nil,
			expected: newOSSink(os.Stderr),
			env: map[string]string{
				logSinkPathEnvVar: string(logSinkPathStdErr),
			},
		},
	} {
		tcase := tcase

		t.Run(tcase.name, func(t *testing.T) {
			os.Unsetenv(logSinkPathEnvVar)
			for k, v := range tcase.env {
				os.Setenv(k, v)
			}
			defer os.Unsetenv(logSinkPathEnvVar)

			actual := selectLogSink(
				func() LogSink { return tcase.arg },
				getEnvLogSink,
			)
			if !reflect.DeepEqual(actual, tcase.expected) {
				t.Errorf("expected %+v, got %+v", tcase.expected, actual)
			}
		})
	}
}

func TestSelectComponentLevels(t *testing.T) {
	for _, tcase := range []struct {
		name     string
		arg      map[Component]Level
		expected map[Component]Level
		env      map[string]string
	}{
		{
			name: "default",
			arg:  nil,
			expected: map[Component]Level{
				ComponentCommand: LevelOff,
			},
		},
		{
			name: "non-nil",
			arg: map[Component]Level{
				ComponentCommand: LevelDebug,
			},
			expected: map[Component]Level{
				ComponentCommand: LevelDebug,
			},
		},
		{
			name: "valid env",
			arg:  nil,
			expected: map[Component]Level{
				ComponentCommand:    LevelDebug,
				ComponentConnection: LevelInfo,
			},
			env: map[string]string{
				string(componentEnvVarCommand):    "debug",
				string(componentEnvVarConnection): "info",
			},
		},
		{
			name: "all overrides per-component",
			arg:  nil,
			expected: map[Component]Level{
				ComponentCommand: LevelDebug,
				ComponentPool:    LevelDebug,
			},
			env: map[string]string{
				string(componentEnvVarAll):     "debug",
				string(componentEnvVarCommand): "info",
			},
		},
	} {
		tcase := tcase

		t.Run(tcase.name, func(t *testing.T) {
			for _, envVar := range allComponentEnvVars {
				os.Unsetenv(string(envVar))
			}
			for k, v := range tcase.env {
				os.Setenv(k, v)
			}
			defer func() {
				for _, envVar := range allComponentEnvVars {
					os.Unsetenv(string(envVar))
				}
			}()

			actual := selectComponentLevels(
				func() map[Component]Level { return tcase.arg },
				getEnvComponentLevels,
			)
			for k, v := range tcase.expected {
				if actual[k] != v {
					t.Errorf("component %v: expected %d, got %d", k, v, actual[k])
				}
			}
		})
	}
}
