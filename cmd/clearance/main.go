// Command clearance fetches anti-bot clearance tokens for one or more URLs
// and prints them as cookie strings, one line per URL. Proxies, the captcha
// backend key and worker count come from the environment (or a .env file).
package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/venzell/clearance"
)

var engineLog *log.Logger

const workerStaggerDelay = 50 * time.Millisecond

type moduleLogger struct {
	logger *log.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Printf("      "+format, args...)
}

func main() {
	urls := parseArgs()

	logFile, modLog := setupLogging()
	defer logFile.Close()

	_ = godotenv.Load()

	cfg := loadConfig(modLog)
	pool := newTokenPool(workerCountFromEnv(), cfg, workerStaggerDelay, engineLog)

	os.Exit(run(pool, urls))
}

func parseArgs() []string {
	if len(os.Args) < 2 {
		log.Fatal("Usage: clearance <url> [url...]\nEnvironment: PROXIES_FILE, CAPTCHA_KEY, WORKERS, BROWSER")
	}
	return os.Args[1:]
}

func workerCountFromEnv() int {
	raw := os.Getenv("WORKERS")
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Fatal("WORKERS must be a positive integer")
	}
	return n
}

func setupLogging() (logFile *os.File, modLog *log.Logger) {
	logFile, err := os.OpenFile("clearance.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stderr, logFile), "", log.LstdFlags)
	modLog = log.New(io.MultiWriter(os.Stderr, logFile), "", log.LstdFlags)
	return logFile, modLog
}

func loadConfig(modLog *log.Logger) clearance.Config {
	cfg := clearance.Config{
		Browser: os.Getenv("BROWSER"),
		Captcha: clearance.CaptchaConfig{APIKey: os.Getenv("CAPTCHA_KEY")},
		Logger:  &moduleLogger{logger: modLog},
	}

	if proxiesFile := os.Getenv("PROXIES_FILE"); proxiesFile != "" {
		proxies, err := loadProxyLines(proxiesFile)
		if err != nil {
			engineLog.Fatalf("Failed to load proxies: %v", err)
		}
		engineLog.Printf("Loaded %d proxies", len(proxies))
		cfg.Proxies = proxies
	}
	if cfg.Captcha.APIKey == "" {
		engineLog.Print("No captcha backend configured; captcha-gated challenges will fail (set CAPTCHA_KEY)")
	}
	return cfg
}

func loadProxyLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func run(pool *tokenPool, urls []string) int {
	engineLog.Printf("Starting %d workers for %d URLs (stagger: %v)...", pool.WorkerCount(), len(urls), workerStaggerDelay)

	ctx := context.Background()
	pool.Start(ctx)

	go func() {
		for _, u := range urls {
			pool.Submit(u)
		}
		pool.CloseInput()
	}()

	failures := 0
	for result := range pool.Results() {
		if result.Err != nil {
			failures++
			engineLog.Printf("FAILED %s: %v", result.URL, result.Err)
			continue
		}
		engineLog.Printf("OK %s (user agent: %s)", result.URL, result.UserAgent)
		os.Stdout.WriteString(result.URL + "\t" + result.CookieString + "\n")
	}
	pool.Wait()

	if failures > 0 {
		engineLog.Printf("=== Complete: %d/%d failed ===", failures, len(urls))
		return 1
	}
	engineLog.Printf("=== Complete: %d URLs cleared ===", len(urls))
	return 0
}
