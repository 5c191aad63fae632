package overseer

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var counterTable map[string]uint64
var counterMutex sync.Mutex

// counterVec mirrors every named counter into the Prometheus registry so
// the same numbers are available to scrapers and to the debug report.
var counterVec = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relayd",
	Name:      "counter_total",
	Help:      "Named internal counters of the relay daemon.",
}, []string{"name"})

// Startup is called to handle service startup
func Startup() {
	counterTable = make(map[string]uint64)
}

// Shutdown is called to handle service shutdown
func Shutdown() {
}

// AddCounter is called to increment a named counter
func AddCounter(name string, amount uint64) uint64 {
	counterMutex.Lock()
	defer counterMutex.Unlock()

	value, found := counterTable[name]
	if found {
		counterTable[name] = value + amount
	} else {
		counterTable[name] = amount
	}

	counterVec.WithLabelValues(name).Add(float64(amount))

	return counterTable[name]
}

// GetCounter is called to get the value of a named counter
func GetCounter(name string) uint64 {
	counterMutex.Lock()
	defer counterMutex.Unlock()

	value, found := counterTable[name]
	if found {
		return value
	}
	return 0
}

// GenerateReport appends an HTML table of all named counters to the argumented buffer
func GenerateReport(buffer *bytes.Buffer) {
	counterMutex.Lock()
	defer counterMutex.Unlock()

	names := make([]string, 0, len(counterTable))
	for name := range counterTable {
		names = append(names, name)
	}
	sort.Strings(names)

	buffer.WriteString("<TABLE BORDER=2 CELLPADDING=4 BGCOLOR=#EEEEEE>\r\n")
	buffer.WriteString("<TR><TD><B>Counter Name</B></TD><TD><B>Value</B></TD></TR>\r\n")

	for _, name := range names {
		buffer.WriteString("<TR><TD><TT>")
		buffer.WriteString(name)
		buffer.WriteString("</TT></TD><TD><TT>")
		buffer.WriteString(fmt.Sprintf("%v", counterTable[name]))
		buffer.WriteString("</TT></TD></TR>\n\n")
	}

	buffer.WriteString("</TABLE>\r\n")
}
