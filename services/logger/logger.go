package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const logConfigFile = "/tmp/relayd_logconfig.js"

var logLevelName = [...]string{"EMERG", "ALERT", "CRIT", "ERROR", "WARN", "NOTIC", "INFO", "DEBUG", "TRACE"}
var sourceLogLevel map[string]int
var sourceLogMutex sync.RWMutex
var launchTime time.Time
var timestampEnabled = true

//LogLevelEmerg = stdlog.h/LOG_EMERG
const LogLevelEmerg = 0

//LogLevelAlert = stdlog.h/LOG_ALERT
const LogLevelAlert = 1

//LogLevelCrit = stdlog.h/LOG_CRIT
const LogLevelCrit = 2

//LogLevelErr = stdlog.h/LOG_ERR
const LogLevelErr = 3

//LogLevelWarn = stdlog.h/LOG_WARNING
const LogLevelWarn = 4

//LogLevelNotice = stdlog.h/LOG_NOTICE
const LogLevelNotice = 5

//LogLevelInfo = stdlog.h/LOG_INFO
const LogLevelInfo = 6

//LogLevelDebug = stdlog.h/LOG_DEBUG
const LogLevelDebug = 7

//LogLevelTrace = custom value
const LogLevelTrace = 8

// Startup starts the logging service
func Startup() {
	// capture startup time
	launchTime = time.Now()

	// create the map and load the log configuration
	sourceLogLevel = make(map[string]int)
	loadLoggerConfig()

	// Set system logger to use our logger
	log.SetOutput(NewLogWriter("system"))
}

// Shutdown stops the logging service
func Shutdown() {

}

// DisableTimestamp disables the elapsed time prefix on log messages,
// for environments where the log collector adds its own
func DisableTimestamp() {
	timestampEnabled = false
}

// LogMessage is called to write messages to the system log
func LogMessage(level int, format string, args ...interface{}) {
	caller, packagename, _, _ := findCaller()

	if level > getSourceLogLevel(packagename) {
		return
	}

	writeMessage(level, caller, format, args...)
}

// LogMessageSource is similar to LogMessage
// except instead of using runtime to determine the caller/source
// the source is specified manually
func LogMessageSource(level int, source string, format string, args ...interface{}) {
	if level > getSourceLogLevel(source) {
		return
	}

	writeMessage(level, source, format, args...)
}

func writeMessage(level int, source string, format string, args ...interface{}) {
	var buffer string
	if len(args) == 0 {
		buffer = format
	} else {
		buffer = fmt.Sprintf(format, args...)
	}

	if timestampEnabled {
		elapsed := time.Since(launchTime)
		fmt.Printf("[%11.5f] %-5s %26s: %s", elapsed.Seconds(), logLevelName[level], source, buffer)
	} else {
		fmt.Printf("%-5s %26s: %s", logLevelName[level], source, buffer)
	}
}

// getSourceLogLevel returns the configured level for a source, assuming Info when unset
func getSourceLogLevel(source string) int {
	sourceLogMutex.RLock()
	defer sourceLogMutex.RUnlock()

	item, stat := sourceLogLevel[source]
	if stat == true {
		return item
	}
	return LogLevelInfo
}

// SearchSourceLogLevel returns the configured level for a source, or -1 when the source is unknown
func SearchSourceLogLevel(source string) int {
	sourceLogMutex.RLock()
	defer sourceLogMutex.RUnlock()

	item, stat := sourceLogLevel[source]
	if stat == false {
		return -1
	}
	return item
}

// AdjustSourceLogLevel sets the level for a source and returns the previous level
func AdjustSourceLogLevel(source string, level int) int {
	sourceLogMutex.Lock()
	defer sourceLogMutex.Unlock()

	item, stat := sourceLogLevel[source]
	if stat == false {
		item = LogLevelInfo
	}
	sourceLogLevel[source] = level
	return item
}

// FindLogLevelName returns the name of the argumented level value
func FindLogLevelName(level int) string {
	if level < 0 {
		return "UNDEFINED"
	}
	if level >= len(logLevelName) {
		return fmt.Sprintf("%d", level)
	}
	return logLevelName[level]
}

// FindLogLevelValue returns the value of the argumented level name, or -1 when invalid
func FindLogLevelValue(name string) int {
	for levelvalue, levelname := range logLevelName {
		if strings.Compare(levelname, strings.ToUpper(name)) == 0 {
			return levelvalue
		}
	}
	return -1
}

// IsLogEnabled returns true if logging is enabled for the caller at the specified level, false otherwise
func IsLogEnabled(level int) bool {
	_, packagename, _, _ := findCaller()
	return IsLogEnabledSource(level, packagename)
}

// IsLogEnabledSource is the same as IsLogEnabled but for the manually specified source
func IsLogEnabledSource(level int, source string) bool {
	return (getSourceLogLevel(source) >= level)
}

// Emerg is called for log level EMERG messages
func Emerg(format string, args ...interface{}) {
	LogMessage(LogLevelEmerg, format, args...)
}

// IsEmergEnabled returns true if EMERG logging is enable for the caller
func IsEmergEnabled() bool {
	return IsLogEnabled(LogLevelEmerg)
}

// Alert is called for log level ALERT messages
func Alert(format string, args ...interface{}) {
	LogMessage(LogLevelAlert, format, args...)
}

// IsAlertEnabled returns true if ALERT logging is enable for the caller
func IsAlertEnabled() bool {
	return IsLogEnabled(LogLevelAlert)
}

// Crit is called for log level CRIT messages
func Crit(format string, args ...interface{}) {
	LogMessage(LogLevelCrit, format, args...)
}

// IsCritEnabled returns true if CRIT logging is enable for the caller
func IsCritEnabled() bool {
	return IsLogEnabled(LogLevelCrit)
}

// Err is called for log level ERR messages
func Err(format string, args ...interface{}) {
	LogMessage(LogLevelErr, format, args...)
}

// IsErrEnabled returns true if ERR logging is enable for the caller
func IsErrEnabled() bool {
	return IsLogEnabled(LogLevelErr)
}

// Warn is called for log level WARN messages
func Warn(format string, args ...interface{}) {
	LogMessage(LogLevelWarn, format, args...)
}

// IsWarnEnabled returns true if WARN logging is enable for the caller
func IsWarnEnabled() bool {
	return IsLogEnabled(LogLevelWarn)
}

// Notice is called for log level NOTICE messages
func Notice(format string, args ...interface{}) {
	LogMessage(LogLevelNotice, format, args...)
}

// IsNoticeEnabled returns true if NOTICE logging is enable for the caller
func IsNoticeEnabled() bool {
	return IsLogEnabled(LogLevelNotice)
}

// Info is called for log level INFO messages
func Info(format string, args ...interface{}) {
	LogMessage(LogLevelInfo, format, args...)
}

// IsInfoEnabled returns true if INFO logging is enable for the caller
func IsInfoEnabled() bool {
	return IsLogEnabled(LogLevelInfo)
}

// Debug is called for log level DEBUG messages
func Debug(format string, args ...interface{}) {
	LogMessage(LogLevelDebug, format, args...)
}

// IsDebugEnabled returns true if DEBUG logging is enable for the caller
func IsDebugEnabled() bool {
	return IsLogEnabled(LogLevelDebug)
}

// Trace is called for log level TRACE messages
func Trace(format string, args ...interface{}) {
	LogMessage(LogLevelTrace, format, args...)
}

// IsTraceEnabled returns true if TRACE logging is enable for the caller
func IsTraceEnabled() bool {
	return IsLogEnabled(LogLevelTrace)
}

// LogWriter is used to send an output stream to the Log facility
type LogWriter struct {
	source string
	buffer []byte
}

// NewLogWriter creates an io Writer to stream output to the Log facility
func NewLogWriter(source string) *LogWriter {
	return (&LogWriter{source, make([]byte, 0)})
}

// Write takes written data and stores it in a buffer and writes to the log when a line feed is detected
func (w *LogWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.buffer = append(w.buffer, b)
		if b == '\n' {
			LogMessageSource(LogLevelInfo, w.source, string(w.buffer))
			w.buffer = make([]byte, 0)
		}
	}

	return len(p), nil
}

// GenerateReport appends an HTML table of the current source levels to the argumented buffer
func GenerateReport(buffer *bytes.Buffer) {
	sourceLogMutex.RLock()
	defer sourceLogMutex.RUnlock()

	names := make([]string, 0, len(sourceLogLevel))
	for name := range sourceLogLevel {
		names = append(names, name)
	}
	sort.Strings(names)

	buffer.WriteString("<TABLE BORDER=2 CELLPADDING=4 BGCOLOR=#EEEEEE>\r\n")
	buffer.WriteString("<TR><TD><B>Log Source</B></TD><TD><B>Level</B></TD></TR>\r\n")

	for _, name := range names {
		buffer.WriteString("<TR><TD><TT>")
		buffer.WriteString(name)
		buffer.WriteString("</TT></TD><TD><TT>")
		buffer.WriteString(logLevelName[sourceLogLevel[name]])
		buffer.WriteString("</TT></TD></TR>\n\n")
	}

	buffer.WriteString("</TABLE>\r\n")
}

func loadLoggerConfig() {
	var file *os.File
	var info os.FileInfo
	var err error

	filename := logConfigFile
	if env := os.Getenv("NFCGATE_LOG_CONFIG"); env != "" {
		filename = env
	}

	// open the logger configuration file
	file, err = os.Open(filename)

	// if there was an error create the config and try the open again
	if err != nil {
		initLoggerConfig(filename)
		file, err = os.Open(filename)

		// if there is still an error we are out of options
		if err != nil {
			Err("Unable to load Log configuration file: %s\n", filename)
			return
		}
	}

	// make sure the file gets closed
	defer file.Close()

	// get the file status
	info, err = file.Stat()
	if err != nil {
		Err("Unable to query file information\n")
		return
	}

	// read the raw configuration json from the file
	config := make(map[string]string)
	var data = make([]byte, info.Size())
	len, err := file.Read(data)

	if (err != nil) || (len < 1) {
		Err("Unable to read Log configuration\n")
		return
	}

	// unmarshal the configuration into a map
	err = json.Unmarshal(data, &config)
	if err != nil {
		Err("Unable to parse Log configuration\n")
		return
	}

	// put the name/string pairs from the file into the name/int lookup map we use in the Log function
	for cfgname, cfglevel := range config {
		// ignore any comment strings that start and end with underscore
		if strings.HasPrefix(cfgname, "_") && strings.HasSuffix(cfgname, "_") {
			continue
		}

		// find the index of the logLevelName that matches the configured level
		value := FindLogLevelValue(cfglevel)
		if value < 0 {
			Warn("Invalid Log configuration entry: %s=%s\n", cfgname, cfglevel)
			continue
		}

		sourceLogMutex.Lock()
		sourceLogLevel[cfgname] = value
		sourceLogMutex.Unlock()
	}
}

func initLoggerConfig(filename string) {
	Alert("Log configuration not found. Creating default file: %s\n", filename)

	// create a comment that shows all valid log level names
	var comment string
	for item, element := range logLevelName {
		if item != 0 {
			comment += "|"
		}
		comment += element
	}

	// make a map and fill it with a default log level for every source
	config := make(map[string]string)
	config["_ValidLevels_"] = comment

	// plugins
	config["example"] = "INFO"
	config["geoip"] = "INFO"
	config["nfclog"] = "INFO"
	config["stats"] = "INFO"

	// services
	config["apdu"] = "INFO"
	config["dispatch"] = "INFO"
	config["eventlog"] = "INFO"
	config["filter"] = "INFO"
	config["kernel"] = "INFO"
	config["logger"] = "INFO"
	config["relay"] = "INFO"
	config["relayd"] = "INFO"
	config["reports"] = "INFO"
	config["restd"] = "INFO"
	config["retention"] = "INFO"
	config["settings"] = "INFO"
	config["zmqd"] = "INFO"

	// convert the config map to a json object
	jstr, err := json.MarshalIndent(config, "", "")
	if err != nil {
		Alert("Log failure creating default configuration: %s\n", err.Error())
		return
	}

	// create the logger configuration file
	file, err := os.Create(filename)
	if err != nil {
		return
	}

	// write the default configuration and close the file
	file.Write(jstr)
	file.Close()
}

func findCaller() (string, string, string, int) {
	// start with 1 because this is not public
	for depth := 1; depth < 15; depth++ {
		_, filename, line, ok := runtime.Caller(depth)
		if ok && !strings.HasSuffix(filename, "logger.go") && !strings.HasSuffix(filename, "log.go") {
			var split = strings.Split(filename, "/")
			var shortname string
			if len(split) > 1 {
				shortname = split[len(split)-1]
			} else {
				shortname = filename
			}

			var packagename string
			if len(split) > 2 {
				packagename = split[len(split)-2]
			} else {
				packagename = shortname
			}

			var summary = fmt.Sprintf("%s/%s:%04d", packagename, shortname, line)
			if len(summary) > 26 {
				summary = summary[len(summary)-26:]
			}
			return summary, packagename, shortname, line
		}
	}

	return "unknown|unknown:0", "unknown:0", "unknown", 0
}
