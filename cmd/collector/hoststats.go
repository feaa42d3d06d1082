package main

import (
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// hostMemUsedPercent reports host memory pressure for the periodic State
// report (spec §6 CollectorState). A read failure is logged and reported
// as 0 rather than aborting the control session over a stats hiccup.
func hostMemUsedPercent(log *logrus.Entry) float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.WithError(err).Debug("collector: failed to read host memory stats")
		return 0
	}
	return vm.UsedPercent
}
