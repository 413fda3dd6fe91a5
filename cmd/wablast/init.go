package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/config"
)

var (
	initOutput        string
	initAPIKey        string
	initDataDir       string
	initDocumentsDir  string
	initDriver        string
	initCountryCode   string
	initTier          string
	initPhoneNumberID string
	initToken         string
	initForce         bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Wablast configuration",
	Long: `Interactive wizard to create a Wablast configuration file.

Cloud API credentials are written to a .env file next to the
configuration so the YAML file can be shared without secrets.

Examples:
  # Interactive mode - prompts for missing values
  wablast init

  # Quick setup for testing
  wablast init --driver sandbox --data-dir ./data -o test.yaml

  # Cloud API
  wablast init --driver cloud --phone-number-id 1234567890 --token EAAG...`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/wablast", "Data directory for the database")
	initCmd.Flags().StringVar(&initDocumentsDir, "documents-dir", "", "Attachment folder (default: <data-dir>/documents)")
	initCmd.Flags().StringVar(&initDriver, "driver", "", "Messaging driver: sandbox, cloud")
	initCmd.Flags().StringVar(&initCountryCode, "country-code", "62", "Country calling code for local phone numbers")
	initCmd.Flags().StringVar(&initTier, "tier", antiban.TierNewAccount, "Account tier: new_account, warming, established, business")
	initCmd.Flags().StringVar(&initPhoneNumberID, "phone-number-id", "", "Cloud API phone number ID")
	initCmd.Flags().StringVar(&initToken, "token", "", "Cloud API access token")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Wablast Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if initDriver == "" {
		initDriver = prompt(reader, "Messaging driver (sandbox, cloud)", config.DriverSandbox)
	}
	initDriver = strings.ToLower(initDriver)
	if initDriver != config.DriverSandbox && initDriver != config.DriverCloud {
		return fmt.Errorf("unknown driver %q (must be sandbox or cloud)", initDriver)
	}

	if initDriver == config.DriverCloud {
		if initPhoneNumberID == "" {
			initPhoneNumberID = prompt(reader, "Cloud API phone number ID", "")
		}
		if initToken == "" {
			initToken = prompt(reader, "Cloud API access token", "")
		}
		if initPhoneNumberID == "" || initToken == "" {
			return fmt.Errorf("phone number ID and token are required for the cloud driver")
		}
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)
	if initDocumentsDir == "" {
		initDocumentsDir = prompt(reader, "Documents folder", filepath.Join(initDataDir, "documents"))
	}
	initCountryCode = prompt(reader, "Country code", initCountryCode)
	initTier = prompt(reader, "Account tier", initTier)
	if _, ok := antiban.DefaultTiers()[initTier]; !ok {
		return fmt.Errorf("unknown tier %q", initTier)
	}

	// API key
	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	for _, dir := range []string{initDataDir, initDocumentsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("  Warning: Could not create directory %s: %v\n", dir, err)
		}
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)

	if initDriver == config.DriverCloud {
		envPath := filepath.Join(filepath.Dir(initOutput), ".env")
		if err := writeEnvFile(envPath); err != nil {
			return err
		}
		fmt.Printf("  Credentials saved to: %s\n", envPath)
	}
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// writeEnvFile stores the Cloud API secrets picked up by config.Load
func writeEnvFile(path string) error {
	env := map[string]string{
		config.EnvToken:         initToken,
		config.EnvPhoneNumberID: initPhoneNumberID,
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict env file permissions: %w", err)
	}
	return nil
}

func generateConfig() string {
	return fmt.Sprintf(`# Wablast configuration
# Generated by: wablast init

api:
  listen_addr: ":8080"
  api_key: "%s"
  max_header_bytes: 1048576  # 1 MB
  max_upload_bytes: 67108864 # 64 MB
  read_timeout: 30s
  write_timeout: 60s
  idle_timeout: 120s

whatsapp:
  driver: %s
  country_code: "%s"
  # Cloud API credentials are read from WABLAST_WHATSAPP_TOKEN and
  # WABLAST_WHATSAPP_PHONE_NUMBER_ID (see .env next to this file)
  cloud:
    api_version: "v19.0"
    timeout: 30s
  sandbox:
    error_rate: 0
    latency: 500ms

antiban:
  tier: %s
  base_delay: 5s
  jitter: 0.3
  after_error_delay: 60s
  max_consecutive_errors: 5
  pause_duration: 30m
  per_recipient_limit: 3
  active_hours:
    start: 8
    end: 21

blast:
  max_retries: 3
  send_timeout: 2m
  keep_history: 100

documents:
  dir: "%s"
  cache_ttl: 30s
  allowed_extensions: [pdf, jpg, jpeg, png, doc, docx, xls, xlsx]

file_matching:
  min_score: 0.5

storage:
  path: "%s/wablast.db"
  retention:
    sandbox_max_age: 168h  # 7 days
    cleanup_interval: 1h

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9090"

logging:
  level: "info"
  format: "json"
`,
		initAPIKey,
		initDriver,
		initCountryCode,
		initTier,
		initDocumentsDir,
		initDataDir,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Put the attachments to send into the documents folder:")
	fmt.Printf("   %s\n", initDocumentsDir)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   wablast serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Import contacts:")
	fmt.Printf("   wablast contacts import contacts.xlsx -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("4. Test sending:")
	fmt.Println("   curl -X POST http://localhost:8080/api/messages/send \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println("     -d '{\"phone\": \"081234567890\", \"message\": \"Hello!\"}'")
	fmt.Println()
	if initDriver == config.DriverSandbox {
		fmt.Println("The sandbox driver captures messages instead of sending them:")
		fmt.Printf("   wablast sandbox list -c %s\n", initOutput)
		fmt.Println()
	}
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
