package classifier

import "regexp"

type rule struct {
	code     string
	pattern  *regexp.Regexp
	title    string
	message  string
	solution string
	example  string
}

func r(code, pattern, title, message, solution, example string) rule {
	return rule{
		code:     code,
		pattern:  regexp.MustCompile(`(?is)` + pattern),
		title:    title,
		message:  message,
		solution: solution,
		example:  example,
	}
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	// credentials
	r("PASSWORD_TOO_WEAK", `admin_password.*fulfill.*conditions.*Has lower.*Has upper.*Has a digit.*Has a special character`,
		"Password Too Weak", "Your password needs to be stronger.",
		"Use a password with: uppercase (A-Z), lowercase (a-z), numbers (0-9), and special characters (!@#$%)",
		"Example: MyP@ssw0rd123"),
	r("PASSWORD_TOO_SHORT", `admin_password.*at least (\d+) characters`,
		"Password Too Short", "Your password is too short.",
		"Use a password with at least 12 characters.",
		"Example: MyP@ssw0rd123"),
	r("INVALID_SSH_KEY", `admin_ssh_key.*not a complete SSH2 Public Key`,
		"Invalid SSH Key", "The SSH public key format is incorrect.",
		"Use a valid SSH public key starting with 'ssh-rsa' or 'ssh-ed25519'.",
		"Generate one with: ssh-keygen -t rsa -b 4096"),

	// networking
	r("MISSING_NETWORK_ADDRESS", `address_space requires \d+ item minimum.*has only 0`,
		"Missing Network Address", "Virtual network address space is required.",
		"Enter a CIDR block for the virtual network.",
		"Example: 10.0.0.0/16"),
	r("INVALID_NETWORK_ADDRESS", `not.*valid CIDR`,
		"Invalid Network Address", "The network address format is incorrect.",
		"Use CIDR notation (IP/prefix).",
		"Example: 10.0.0.0/16 or 192.168.1.0/24"),

	// policy and groups
	r("REGION_NOT_ALLOWED", `RequestDisallowedByAzure.*policy.*regions`,
		"Region Not Allowed", "Your Azure subscription restricts deployments to certain regions.",
		"Try a different region that's allowed by your organization's policy.",
		"Common regions: westeurope, northeurope, eastus"),
	r("RESOURCE_GROUP_NOT_FOUND", `Resource group.*not found|ResourceGroupNotFound`,
		"Resource Group Not Found", "The specified resource group doesn't exist.",
		"Create the resource group first or select an existing one.", ""),
	r("QUOTA_EXCEEDED", `QuotaExceeded|quota\s+exceeded|exceeds.*quota`,
		"Quota Exceeded", "You've reached your cloud resource limit.",
		"Request a quota increase from your cloud provider or delete unused resources.", ""),

	// naming
	r("INVALID_RESOURCE_NAME", `name.*can only contain|invalid.*name|naming convention`,
		"Invalid Resource Name", "The resource name contains invalid characters.",
		"Use only lowercase letters, numbers, and hyphens. Start with a letter.",
		"Example: my-storage-account-01"),
	r("INVALID_STORAGE_ACCOUNT_LENGTH", `Storage account name must be between (\d+) and (\d+) characters`,
		"Invalid Storage Account Name", "Storage account name length is incorrect.",
		"Use 3-24 characters, only lowercase letters and numbers.",
		"Example: mystorageaccount01"),
	r("NAME_ALREADY_TAKEN", `already exists|is already taken|AlreadyExists`,
		"Name Already Taken", "This resource name is already in use.",
		"Choose a different, unique name.", ""),

	// auth
	r("ACCESS_DENIED", `AuthorizationFailed|403.*Forbidden|Access Denied`,
		"Access Denied", "You don't have permission to perform this action.",
		"Check your Azure credentials and permissions.", ""),
	r("AUTHENTICATION_FAILED", `authentication failed|invalid.*credentials|AADSTS`,
		"Authentication Failed", "Azure login failed.",
		"Check your Azure credentials in the environment settings.", ""),
	r("GCP_ACCESS_DENIED", `googleapi.*403|Permission.*denied.*GCP`,
		"GCP Access Denied", "You don't have permission in Google Cloud.",
		"Check your GCP service account permissions.", ""),
	r("GCP_PROJECT_NOT_FOUND", `project.*not found|Project.*does not exist`,
		"GCP Project Not Found", "The specified GCP project doesn't exist.",
		"Verify the project ID is correct.", ""),

	// connectivity
	r("CONNECTION_FAILED", `timeout|connection refused|network.*unreachable`,
		"Connection Failed", "Could not connect to cloud provider.",
		"Check your internet connection and try again.", ""),

	// input sanitisation
	r("TOO_MANY_PARAMETERS", `Too many parameters.*max:\s*(\d+)`,
		"Too Many Parameters", "You've provided too many configuration parameters.",
		"Reduce the number of parameters to 100 or fewer.", ""),
	r("PARAMETER_NAME_TOO_LONG", `Parameter name too long`,
		"Parameter Name Too Long", "One of your parameter names exceeds the maximum length.",
		"Use shorter parameter names (max 100 characters).", ""),
	r("PARAMETER_VALUE_TOO_LONG", `Parameter value too long for '([^']+)'`,
		"Parameter Value Too Long", "The value for a parameter exceeds the maximum allowed length.",
		"Shorten the parameter value (max 10,000 characters).", ""),
	r("INVALID_CHARACTERS", "Invalid content.*contains shell metacharacters|[;&|`]",
		"Invalid Characters Detected", "Your input contains characters that aren't allowed for security reasons.",
		"Remove special characters like ; & | ` from your input.", ""),
	r("INVALID_PATH", `Invalid content.*contains path traversal|\.\./`,
		"Invalid Path Detected", "Your input contains path patterns that aren't allowed.",
		`Remove '../' or '..\' patterns from your input.`, ""),
	r("SCRIPT_NOT_ALLOWED", `Invalid content.*contains script tags|<script`,
		"Script Not Allowed", "Your input contains script content that isn't allowed.",
		"Remove any script tags from your input.", ""),
	r("INVALID_SQL", `Invalid content.*contains SQL injection|DROP\s+TABLE`,
		"Invalid SQL Detected", "Your input contains SQL patterns that aren't allowed.",
		"Remove any SQL commands from your input.", ""),
	r("CODE_EXECUTION_NOT_ALLOWED", `Invalid content.*contains code execution|eval\s*\(`,
		"Code Execution Not Allowed", "Your input contains code execution patterns that aren't allowed.",
		"Remove any eval() or similar patterns from your input.", ""),
	r("INVALID_INPUT", `Invalid content in '([^']+)'`,
		"Invalid Input Detected", "Your input contains content that isn't allowed for security reasons.",
		"Review your input and remove any special patterns or scripts.", ""),

	// per-cloud parameter validation
	r("INVALID_STORAGE_ACCOUNT_NAME", `Storage account name must be.*3.*24.*lowercase`,
		"Invalid Storage Account Name", "Azure storage account names have specific requirements.",
		"Use 3-24 characters, only lowercase letters and numbers (no hyphens).",
		"Example: mystorageaccount01"),
	r("INVALID_RESOURCE_GROUP_NAME", `Resource group name.*invalid|Resource group.*1-90 characters`,
		"Invalid Resource Group Name", "The resource group name doesn't meet Azure requirements.",
		"Use 1-90 characters: letters, numbers, hyphens, underscores, periods, or parentheses.",
		"Example: my-resource-group-01"),
	r("INVALID_BUCKET_NAME", `GCP bucket name.*invalid|Bucket name must be.*3-63`,
		"Invalid Bucket Name", "The GCP bucket name doesn't meet requirements.",
		"Use 3-63 characters: lowercase letters, numbers, hyphens. Start/end with letter or number.",
		"Example: my-storage-bucket-01"),
	r("INVALID_PROJECT_ID", `Project ID.*invalid|project_id.*6-30 characters`,
		"Invalid GCP Project ID", "The GCP project ID doesn't meet requirements.",
		"Use 6-30 characters: lowercase letters, numbers, hyphens. Start with a letter.",
		"Example: my-project-123"),
	r("INVALID_CIDR", `CIDR.*invalid|Invalid CIDR`,
		"Invalid Network Address", "The network address (CIDR) format is incorrect.",
		"Use CIDR notation: IP address followed by /prefix.",
		"Example: 10.0.0.0/16 or 192.168.1.0/24"),
	r("INVALID_IP_ADDRESS", `IP address.*invalid|Invalid IP`,
		"Invalid IP Address", "The IP address format is incorrect.",
		"Use standard IPv4 format.",
		"Example: 192.168.1.1"),
	r("RESERVED_NAME", `app_name.*reserved word|name.*reserved|is a reserved word`,
		"Reserved Name", "You can't use this name because it's reserved.",
		"Choose a different name that isn't a reserved word.", ""),
	r("INVALID_APP_NAME", `app_name.*3-24 characters|name.*must be.*characters`,
		"Invalid Application Name", "The application name length is incorrect.",
		"Use 3-24 characters: lowercase letters, numbers, and hyphens.",
		"Example: my-web-app"),
}
